package vma

import (
	"encoding/binary"

	"github.com/vmarchive/writer/vmaerr"
)

// blobPool is the archive's single append-only pool of length-prefixed byte
// strings. Offset 0 is always the null blob: a lone NUL byte with no length
// prefix, so that a zero pointer in the device or config tables
// unambiguously means "absent".
type blobPool struct {
	buf []byte
}

func newBlobPool() *blobPool {
	return &blobPool{buf: []byte{0}}
}

// alloc appends b as a new blob (16-bit little-endian length prefix
// followed by the bytes) and returns the offset of its length prefix.
func (p *blobPool) alloc(b []byte) (uint32, error) {
	offset := len(p.buf)
	if offset+2+len(b) > 0x10000 {
		return 0, vmaerr.E(vmaerr.Overflow, "blob pool would exceed 16-bit addressing")
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	p.buf = append(p.buf, lenBuf[:]...)
	p.buf = append(p.buf, b...)
	return uint32(offset), nil
}

// allocString is alloc for a NUL-terminated string blob, matching how
// stream and config names are stored.
func (p *blobPool) allocString(s string) (uint32, error) {
	return p.alloc(append([]byte(s), 0))
}

func (p *blobPool) bytes() []byte {
	return p.buf
}
