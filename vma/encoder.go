package vma

import (
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/vmarchive/writer/alignbuf"
	"github.com/vmarchive/writer/vmaerr"
)

// Encoder is a single-owner, stateful binary formatter bound to an output
// sink. Callers declare streams and configs, then feed it writes in
// per-stream offset order; the Encoder materializes the archive header on
// the first write and packs payload into cluster-aligned extents as it
// arrives. An Encoder must only ever be driven by one goroutine at a time
// (the Serializer's consumer is responsible for that).
type Encoder struct {
	sink io.Writer

	uuid      [16]byte
	createdAt uint64

	streams       []streamMeta
	configs       []configEntry
	blobs         *blobPool
	headerWritten bool

	aligns map[uint8]*alignbuf.Buffer
	extent []clusterEntry
}

// New creates an Encoder writing to sink. The archive UUID and creation
// timestamp are captured once, here, and reused for every extent.
func New(sink io.Writer) *Encoder {
	return &Encoder{
		sink:      sink,
		uuid:      [16]byte(uuid.New()),
		createdAt: uint64(time.Now().Unix()),
		blobs:     newBlobPool(),
		aligns:    make(map[uint8]*alignbuf.Buffer),
	}
}

// DeclareStream registers a named, sized stream and returns its dense,
// 1-based id. Valid only before the first Write.
func (e *Encoder) DeclareStream(name string, size uint64) (uint8, error) {
	if e.headerWritten {
		return 0, vmaerr.E(vmaerr.InvalidState, "cannot declare stream after header is written")
	}
	if len(e.streams) >= maxStreams {
		return 0, vmaerr.E(vmaerr.Overflow, "too many streams")
	}
	e.streams = append(e.streams, streamMeta{name: name, size: size})
	return uint8(len(e.streams)), nil
}

// AddConfig adds a (name, data) pair to the header's config table. Valid
// only before the first Write.
func (e *Encoder) AddConfig(name string, data []byte) error {
	if e.headerWritten {
		return vmaerr.E(vmaerr.InvalidState, "cannot add config after header is written")
	}
	if len(e.configs) >= maxConfigs {
		return vmaerr.E(vmaerr.Overflow, "too many configs")
	}
	namePtr, err := e.blobs.allocString(name)
	if err != nil {
		return err
	}
	dataPtr, err := e.blobs.alloc(data)
	if err != nil {
		return err
	}
	e.configs = append(e.configs, configEntry{namePtr: namePtr, dataPtr: dataPtr})
	return nil
}

// Write accepts bytes for a declared stream at the given logical offset.
// The caller must call Write for a given stream in strictly increasing
// offset order; Write does not itself validate cross-call ordering beyond
// what the Alignment Buffer requires of contiguous writes.
func (e *Encoder) Write(streamID uint8, offset uint64, data []byte) error {
	if !e.headerWritten {
		if err := e.writeHeader(); err != nil {
			return err
		}
	}
	if len(data) == 0 {
		return nil
	}

	buf, ok := e.aligns[streamID]
	if !ok && len(data)%ClusterSize == 0 {
		return e.appendClusters(streamID, offset, data)
	}
	if !ok {
		buf = alignbuf.New(offset)
		e.aligns[streamID] = buf
	}
	result, err := buf.Accept(offset, data)
	if err != nil {
		return err
	}
	if !result.Ready {
		return nil
	}
	return e.appendClusters(streamID, result.Offset, result.Data)
}

// Close flushes any per-stream alignment residue (zero-padded to a full
// cluster) and the final partial extent, if any. Close is idempotent.
func (e *Encoder) Close() error {
	if !e.headerWritten {
		if err := e.writeHeader(); err != nil {
			return err
		}
	}
	for streamID, buf := range e.aligns {
		result, ok := buf.Flush()
		if !ok {
			continue
		}
		if err := e.appendClusters(streamID, result.Offset, result.Data); err != nil {
			return err
		}
	}
	e.aligns = make(map[uint8]*alignbuf.Buffer)
	if len(e.extent) > 0 {
		if err := e.flushExtent(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) writeHeader() error {
	buf, err := buildHeader(e.uuid, e.createdAt, e.streams, e.configs, e.blobs)
	if err != nil {
		return err
	}
	if _, err := e.sink.Write(buf); err != nil {
		return vmaerr.E(vmaerr.IOError, "writing header", err)
	}
	e.headerWritten = true
	return nil
}

// appendClusters splits data (a multiple of ClusterSize) into individual
// clusters and appends each to the current extent, flushing whenever the
// extent reaches BlocksPerExtent clusters.
func (e *Encoder) appendClusters(streamID uint8, offset uint64, data []byte) error {
	for len(data) > 0 {
		chunk := data[:ClusterSize]
		data = data[ClusterSize:]
		e.extent = append(e.extent, clusterEntry{streamID: streamID, offset: offset, data: chunk})
		offset += ClusterSize
		if len(e.extent) == BlocksPerExtent {
			if err := e.flushExtent(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Encoder) flushExtent() error {
	buf := encodeExtent(e.uuid, e.extent)
	e.extent = e.extent[:0]
	if _, err := e.sink.Write(buf); err != nil {
		return vmaerr.E(vmaerr.IOError, "writing extent", err)
	}
	return nil
}
