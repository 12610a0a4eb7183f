package vma

import (
	"crypto/md5"
	"encoding/binary"

	"github.com/vmarchive/writer/vmaerr"
)

type streamMeta struct {
	name string
	size uint64
}

type configEntry struct {
	namePtr uint32
	dataPtr uint32
}

// buildConfigTable lays out the 256 name pointers followed by the 256 data
// pointers, 4 bytes each, matching the archive's config table layout.
func buildConfigTable(configs []configEntry) []byte {
	buf := make([]byte, configTableSize)
	for i, c := range configs {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], c.namePtr)
		binary.BigEndian.PutUint32(buf[maxConfigs*4+i*4:maxConfigs*4+i*4+4], c.dataPtr)
	}
	return buf
}

// buildHeader assembles the complete archive header: fixed fields, reserved
// space, config table, the 4-byte alignment pad, device table, and blob
// pool, with the MD5 digest computed over the whole buffer (digest slot
// zeroed) and patched back into place.
func buildHeader(uuid [16]byte, createdAt uint64, streams []streamMeta, configs []configEntry, blobs *blobPool) ([]byte, error) {
	if len(streams) > maxStreams {
		return nil, vmaerr.E(vmaerr.Overflow, "too many streams")
	}
	if len(configs) > maxConfigs {
		return nil, vmaerr.E(vmaerr.Overflow, "too many configs")
	}

	devTable := make([]byte, deviceTableSize)
	for i, s := range streams {
		namePtr, err := blobs.allocString(s.name)
		if err != nil {
			return nil, err
		}
		entry := devTable[(i+1)*devInfoSize : (i+2)*devInfoSize]
		binary.BigEndian.PutUint32(entry[0:4], namePtr)
		binary.BigEndian.PutUint64(entry[8:16], s.size)
	}

	configTable := buildConfigTable(configs)
	blobBuf := blobs.bytes()

	blobOffset := uint32(headerSize)
	blobLen := uint32(len(blobBuf))
	totalHeaderSize := headerSize + len(blobBuf)

	buf := make([]byte, totalHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], version)
	copy(buf[8:24], uuid[:])
	binary.BigEndian.PutUint64(buf[24:32], createdAt)
	// buf[32:48] is the digest slot, left zero for the checksum pass.
	binary.BigEndian.PutUint32(buf[48:52], blobOffset)
	binary.BigEndian.PutUint32(buf[52:56], blobLen)
	binary.BigEndian.PutUint32(buf[56:60], uint32(totalHeaderSize))

	off := headerFixedSize + headerReservedSize
	copy(buf[off:off+configTableSize], configTable)
	off += configTableSize
	// devAlignPad NUL bytes: a known pre-existing misalignment preserved
	// for wire compatibility, not a bug to fix.
	off += devAlignPad
	copy(buf[off:off+deviceTableSize], devTable)
	off += deviceTableSize
	copy(buf[off:off+len(blobBuf)], blobBuf)

	digest := md5.Sum(buf)
	copy(buf[digestOffset:digestOffset+16], digest[:])

	return buf, nil
}
