package collections

import (
	"unicode/utf8"

	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
	"github.com/wippyai/capmem/factory"
	"github.com/wippyai/capmem/memory"
)

// String is a UTF-8 string of at most Cap() bytes held in one provider.
type String struct {
	handle *factory.Handle
	mem    *memory.Provider
	max    int
	n      int
}

// NewString builds an empty string of up to capacity bytes over h.
func NewString(h *factory.Handle, capacity int) (*String, error) {
	if err := checkLayout(h, 1, capacity); err != nil {
		return nil, err
	}
	return &String{handle: h, mem: h.Provider(), max: capacity}, nil
}

// NewStringFrom acquires capacity bytes for owner and builds a string over
// them. The string owns the handle.
func NewStringFrom(f *factory.Factory, owner capability.OwnerID, capacity int) (*String, error) {
	if capacity <= 0 {
		return nil, errors.InvalidInput(errors.PhaseCollection, "string needs a positive capacity")
	}
	h, err := f.Acquire(owner, uint64(capacity))
	if err != nil {
		return nil, err
	}
	s, err := NewString(h, capacity)
	if err != nil {
		_ = h.Release()
		return nil, err
	}
	return s, nil
}

// Append adds s. Either all of s is appended or none of it.
func (s *String) Append(v string) error {
	if !utf8.ValidString(v) {
		return errors.InvalidInput(errors.PhaseCollection, "invalid UTF-8")
	}
	if err := s.room(len(v)); err != nil {
		return err
	}
	if err := s.mem.Write(uint32(s.n), []byte(v)); err != nil {
		return err
	}
	s.n += len(v)
	return nil
}

// AppendBytes adds b, which must be valid UTF-8.
func (s *String) AppendBytes(b []byte) error {
	if !utf8.Valid(b) {
		return errors.InvalidInput(errors.PhaseCollection, "invalid UTF-8")
	}
	if err := s.room(len(b)); err != nil {
		return err
	}
	if err := s.mem.Write(uint32(s.n), b); err != nil {
		return err
	}
	s.n += len(b)
	return nil
}

// AppendRune adds the UTF-8 encoding of r.
func (s *String) AppendRune(r rune) error {
	var buf [utf8.UTFMax]byte
	n := utf8.EncodeRune(buf[:], r)
	return s.AppendBytes(buf[:n])
}

func (s *String) room(n int) error {
	if s.n+n > s.max {
		return errors.New(errors.PhaseCollection, errors.KindCapacityExceeded).
			Owner(s.handle.Owner()).
			Value(n).
			Detail("string needs %d bytes, %d of %d left", n, s.max-s.n, s.max).
			Build()
	}
	return nil
}

// Value returns the current contents.
func (s *String) Value() (string, error) {
	if s.n == 0 {
		return "", nil
	}
	b, err := s.mem.Read(0, uint32(s.n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// String implements fmt.Stringer. Unreadable contents render empty.
func (s *String) String() string {
	v, _ := s.Value()
	return v
}

// Len returns the length in bytes.
func (s *String) Len() int { return s.n }

// Cap returns the fixed maximum length in bytes.
func (s *String) Cap() int { return s.max }

// Clear empties the string.
func (s *String) Clear() { s.n = 0 }

// Truncate shortens the string to at most n bytes, backing off to the
// nearest rune boundary.
func (s *String) Truncate(n int) error {
	if n < 0 || n >= s.n {
		return nil
	}
	for n > 0 {
		c, err := s.mem.ReadU8(uint32(n))
		if err != nil {
			return err
		}
		if utf8.RuneStart(c) {
			break
		}
		n--
	}
	s.n = n
	return nil
}

// Handle returns the handle backing the string.
func (s *String) Handle() *factory.Handle { return s.handle }

// Release releases the backing handle.
func (s *String) Release() error {
	s.n = 0
	return s.handle.Release()
}
