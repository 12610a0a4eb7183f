// Package alignbuf implements the per-stream cluster-alignment accumulator
// described in the archive format: it turns arbitrarily-sized sequential
// writes into whole multiples of the archive's cluster size, so the VMA
// encoder's extent packer only ever sees aligned payload.
package alignbuf

import (
	"fmt"

	"github.com/vmarchive/writer/vmaerr"
)

// ClusterSize is the fixed alignment unit.
const ClusterSize = 65536

// Result is the outcome of Accept or Flush: either nothing to emit yet, or
// a ready, cluster-aligned payload starting at Offset.
type Result struct {
	Ready  bool
	Offset uint64
	Data   []byte
}

// Buffer holds the pending, not-yet-cluster-aligned bytes for a single
// stream. The zero value is a Buffer anchored at offset 0; use New to
// anchor it at another offset.
type Buffer struct {
	pendingStart uint64
	pendingTotal uint64
	pending      [][]byte
}

// New creates a Buffer anchored at the given stream offset: the first byte
// accepted must be at exactly this offset.
func New(offset uint64) *Buffer {
	return &Buffer{pendingStart: offset}
}

// Accept appends bytes arriving at offset. It requires offset to equal the
// end of the previously accepted data (NonSequentialWrite otherwise). If
// enough bytes have accumulated to form one or more whole clusters, it
// returns them ready for emission and retains any sub-cluster remainder;
// otherwise it returns a non-ready Result.
func (b *Buffer) Accept(offset uint64, data []byte) (Result, error) {
	if b.pendingStart+b.pendingTotal != offset {
		return Result{}, vmaerr.E(vmaerr.NonSequentialWrite,
			fmt.Sprintf("expected offset %d, got %d", b.pendingStart+b.pendingTotal, offset))
	}
	if len(data) == 0 {
		return Result{}, nil
	}
	b.pending = append(b.pending, data)
	b.pendingTotal += uint64(len(data))

	if b.pendingTotal < ClusterSize {
		return Result{}, nil
	}

	emitLen := (b.pendingTotal / ClusterSize) * ClusterSize
	aligned := make([]byte, 0, emitLen)
	var taken uint64
	for taken < emitLen {
		buf := b.pending[0]
		b.pending = b.pending[1:]
		if taken+uint64(len(buf)) > emitLen {
			keep := emitLen - taken
			aligned = append(aligned, buf[:keep]...)
			tail := buf[keep:]
			b.pending = append([][]byte{tail}, b.pending...)
			taken += keep
		} else {
			aligned = append(aligned, buf...)
			taken += uint64(len(buf))
		}
	}

	start := b.pendingStart
	b.pendingStart += emitLen
	b.pendingTotal -= emitLen
	return Result{Ready: true, Offset: start, Data: aligned}, nil
}

// Flush returns any residue, zero-padded out to exactly one cluster, for
// writing at close time. It reports false if there is no residue.
func (b *Buffer) Flush() (Result, bool) {
	if b.pendingTotal == 0 {
		return Result{}, false
	}
	pad := ClusterSize - b.pendingTotal
	data := make([]byte, 0, ClusterSize)
	for _, p := range b.pending {
		data = append(data, p...)
	}
	data = append(data, make([]byte, pad)...)

	start := b.pendingStart
	b.pending = nil
	b.pendingStart += ClusterSize
	b.pendingTotal = 0
	return Result{Ready: true, Offset: start, Data: data}, true
}
