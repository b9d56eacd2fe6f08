package memory

// VMMemoryDefinition is the view of a linear memory read directly by generated
// code. Its layout is ABI: the address computations emitted by the compilers use
// the offsets below.
//
// A VMMemoryDefinition is only valid until the next LinearMemory.Grow.
type VMMemoryDefinition struct {
	// Base is the first byte of the memory.
	Base *byte
	// CurrentLength is the accessible length in bytes.
	CurrentLength uint64
}

const (
	// VMMemoryDefinitionBaseOffset is the offset of VMMemoryDefinition.Base.
	VMMemoryDefinitionBaseOffset = 0
	// VMMemoryDefinitionCurrentLengthOffset is the offset of VMMemoryDefinition.CurrentLength.
	VMMemoryDefinitionCurrentLengthOffset = 8
	// VMMemoryDefinitionSize is the size of VMMemoryDefinition.
	VMMemoryDefinitionSize = 16
)
