//go:build !unix

package platform

// Mmap falls back to heap regions on platforms without unix mmap.
type Mmap struct {
	Heap
}

// NewMmap creates the fallback backend.
func NewMmap() *Mmap {
	return &Mmap{}
}

// Name implements Backend.
func (m *Mmap) Name() string { return "mmap(heap)" }
