package memory

import (
	"encoding/binary"

	"github.com/wippyai/capmem"
	"github.com/wippyai/capmem/errors"
)

var (
	_ capmem.Memory = (*Provider)(nil)
	_ capmem.Sizer  = (*Provider)(nil)
)

// Config controls provider construction.
type Config struct {
	// Verified enables the running checksum: every write recomputes it and
	// every access first re-validates it.
	Verified bool

	// OnViolation is called once, on the first integrity violation.
	OnViolation func(error)
}

// Provider is a fixed-capacity byte region with bounds-checked access.
//
// A provider is exclusively owned by the handle that requested it and is
// not safe for concurrent use.
type Provider struct {
	buf         []byte
	onViolation func(error)
	fault       error
	checksum    uint32
	verified    bool
	released    bool
}

// New wraps buf. The provider's capacity is len(buf) and never changes.
func New(buf []byte, cfg *Config) *Provider {
	p := &Provider{buf: buf}
	if cfg != nil {
		p.verified = cfg.Verified
		p.onViolation = cfg.OnViolation
	}
	if p.verified {
		p.checksum = Checksum(buf)
	}
	return p
}

// Capacity returns the region size in bytes.
func (p *Provider) Capacity() int {
	return len(p.buf)
}

// Size implements capmem.Sizer.
func (p *Provider) Size() uint32 {
	return uint32(len(p.buf))
}

// Verified reports whether the provider carries a checksum.
func (p *Provider) Verified() bool {
	return p.verified
}

// Checksum returns the stored integrity tag, 0 when not verified.
func (p *Provider) Checksum() uint32 {
	return p.checksum
}

// Released reports whether the owning handle has been released.
func (p *Provider) Released() bool {
	return p.released
}

// Verify re-validates the checksum. It is a no-op for unverified providers.
func (p *Provider) Verify() error {
	if p.released {
		return errors.Released(errors.PhaseVerify, "provider")
	}
	return p.verify()
}

func (p *Provider) verify() error {
	if p.fault != nil {
		return p.fault
	}
	if !p.verified {
		return nil
	}
	if sum := Checksum(p.buf); sum != p.checksum {
		p.fault = errors.IntegrityViolation(p.checksum, sum)
		if p.onViolation != nil {
			p.onViolation(p.fault)
		}
		return p.fault
	}
	return nil
}

func (p *Provider) access(offset, length uint32) error {
	if p.released {
		return errors.Released(errors.PhaseAccess, "provider")
	}
	if uint64(offset)+uint64(length) > uint64(len(p.buf)) {
		return errors.OutOfBounds(errors.PhaseAccess, int(offset), int(length), len(p.buf))
	}
	return p.verify()
}

func (p *Provider) reseal() {
	if p.verified {
		p.checksum = Checksum(p.buf)
	}
}

// Read copies length bytes starting at offset.
func (p *Provider) Read(offset, length uint32) ([]byte, error) {
	if err := p.access(offset, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, p.buf[offset:])
	return out, nil
}

// ReadInto copies len(dst) bytes starting at offset into dst.
func (p *Provider) ReadInto(offset uint32, dst []byte) error {
	if err := p.access(offset, uint32(len(dst))); err != nil {
		return err
	}
	copy(dst, p.buf[offset:])
	return nil
}

// Write copies data into the region at offset.
func (p *Provider) Write(offset uint32, data []byte) error {
	if err := p.access(offset, uint32(len(data))); err != nil {
		return err
	}
	copy(p.buf[offset:], data)
	p.reseal()
	return nil
}

// Fill sets length bytes starting at offset to v.
func (p *Provider) Fill(offset, length uint32, v byte) error {
	if err := p.access(offset, length); err != nil {
		return err
	}
	region := p.buf[offset : offset+length]
	for i := range region {
		region[i] = v
	}
	p.reseal()
	return nil
}

// Move copies length bytes from src to dst within the region. The ranges
// may overlap.
func (p *Provider) Move(dst, src, length uint32) error {
	if err := p.access(src, length); err != nil {
		return err
	}
	if err := p.access(dst, length); err != nil {
		return err
	}
	copy(p.buf[dst:dst+length], p.buf[src:src+length])
	p.reseal()
	return nil
}

// ReadU8 reads an unsigned 8-bit value.
func (p *Provider) ReadU8(offset uint32) (uint8, error) {
	if err := p.access(offset, 1); err != nil {
		return 0, err
	}
	return p.buf[offset], nil
}

// ReadU16 reads an unsigned 16-bit little-endian value.
func (p *Provider) ReadU16(offset uint32) (uint16, error) {
	if err := p.access(offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p.buf[offset:]), nil
}

// ReadU32 reads an unsigned 32-bit little-endian value.
func (p *Provider) ReadU32(offset uint32) (uint32, error) {
	if err := p.access(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p.buf[offset:]), nil
}

// ReadU64 reads an unsigned 64-bit little-endian value.
func (p *Provider) ReadU64(offset uint32) (uint64, error) {
	if err := p.access(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p.buf[offset:]), nil
}

// WriteU8 writes an unsigned 8-bit value.
func (p *Provider) WriteU8(offset uint32, value uint8) error {
	if err := p.access(offset, 1); err != nil {
		return err
	}
	p.buf[offset] = value
	p.reseal()
	return nil
}

// WriteU16 writes an unsigned 16-bit little-endian value.
func (p *Provider) WriteU16(offset uint32, value uint16) error {
	if err := p.access(offset, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(p.buf[offset:], value)
	p.reseal()
	return nil
}

// WriteU32 writes an unsigned 32-bit little-endian value.
func (p *Provider) WriteU32(offset uint32, value uint32) error {
	if err := p.access(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(p.buf[offset:], value)
	p.reseal()
	return nil
}

// WriteU64 writes an unsigned 64-bit little-endian value.
func (p *Provider) WriteU64(offset uint32, value uint64) error {
	if err := p.access(offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(p.buf[offset:], value)
	p.reseal()
	return nil
}

// Raw exposes the backing bytes without bounds or integrity checks.
// Writes through Raw are out of band: on a verified provider they are
// detected as corruption by the next access.
func (p *Provider) Raw() []byte {
	return p.buf
}

// Detach marks the provider released and returns its region for the
// backend to free. Only the owning handle calls it. Every later access
// fails with a Released error.
func (p *Provider) Detach() []byte {
	buf := p.buf
	p.released = true
	p.buf = nil
	return buf
}
