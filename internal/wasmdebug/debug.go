// Package wasmdebug contains utilities used to give consistent search keys between stack traces and error messages.
// Note: This is named wasmdebug to avoid conflicts with the normal go module.
// Note: This imports nothing internal, so that both frameinfo and trap can use it.
package wasmdebug

import (
	"strconv"
	"strings"
)

// FuncName returns the naming convention of "moduleName.funcName".
//
//   - moduleName is the possibly empty name the module was loaded with.
//   - funcName is the name in the module's name section, possibly demangled.
//   - funcIdx is the position in the function index, used when the funcName is empty.
//
// Note: "moduleName.$funcIdx" is used when the funcName is empty, as commonly seen in text formatters.
func FuncName(moduleName, funcName string, funcIdx uint32) string {
	var ret strings.Builder

	// Start module.function
	ret.WriteString(moduleName)
	ret.WriteByte('.')
	if funcName == "" {
		ret.WriteByte('$')
		ret.WriteString(strconv.Itoa(int(funcIdx)))
	} else {
		ret.WriteString(funcName)
	}

	return ret.String()
}

// FrameLine returns the trace line of one frame:
// "moduleName.funcName (func[funcIdx]) @0xoffset".
func FrameLine(moduleName, funcName string, funcIdx, moduleOffset uint32) string {
	var ret strings.Builder
	ret.WriteString(FuncName(moduleName, funcName, funcIdx))
	ret.WriteString(" (func[")
	ret.WriteString(strconv.FormatUint(uint64(funcIdx), 10))
	ret.WriteString("]) @0x")
	ret.WriteString(strconv.FormatUint(uint64(moduleOffset), 16))
	return ret.String()
}

// MaxFrames is the maximum number of frames to include in the stack trace.
const MaxFrames = 30

// StackTrace accumulates the lines of a wasm stack trace, innermost frame first.
type StackTrace struct {
	// frameCount is the number of stack frame currently pushed into lines.
	frameCount int
	// lines contains the stack trace and possibly the inlined source code information.
	lines []string
}

// AddFrame adds a frame line and the source lines it was compiled from. Frames
// past MaxFrames are dropped.
func (s *StackTrace) AddFrame(line string, sources []string) {
	if s.frameCount == MaxFrames {
		return
	}
	s.frameCount++
	s.lines = append(s.lines, line)
	for _, source := range sources {
		s.lines = append(s.lines, "\t"+source)
	}
	if s.frameCount == MaxFrames {
		s.lines = append(s.lines, "... maybe followed by omitted frames")
	}
}

// Len returns the number of frames added.
func (s *StackTrace) Len() int {
	return s.frameCount
}

// String returns "wasm stack trace:" followed by one tab indented line per
// frame, or the empty string when no frame was added.
func (s *StackTrace) String() string {
	if s.frameCount == 0 {
		return ""
	}
	return "wasm stack trace:\n\t" + strings.Join(s.lines, "\n\t")
}
