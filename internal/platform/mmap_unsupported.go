//go:build !unix || tinygo

package platform

const mmapSupported = false

type osAllocator struct{}

func (osAllocator) Map(int, Protection) (*Mmap, error) {
	return nil, ErrUnsupported
}

func (osAllocator) Protect(*Mmap, int, int, Protection) error {
	return ErrUnsupported
}

func (osAllocator) Unmap(*Mmap) error {
	return ErrUnsupported
}
