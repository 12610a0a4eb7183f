package vma

import (
	"crypto/md5"
	"encoding/binary"
)

// clusterEntry is one populated cluster awaiting extent assembly: the
// stream it belongs to, its byte offset within that stream, and its
// payload (always exactly ClusterSize bytes).
type clusterEntry struct {
	streamID uint8
	offset   uint64
	data     []byte
}

// buildBlockinfo returns the 59*8-byte blockinfo table for the clusters in
// an extent, in arrival order, zero-padded for any unused trailing slots.
func buildBlockinfo(clusters []clusterEntry) []byte {
	buf := make([]byte, BlocksPerExtent*8)
	for i, c := range clusters {
		word := uint64(0xFFFF000000000000) | (uint64(c.streamID) << 32) | (c.offset / ClusterSize)
		binary.BigEndian.PutUint64(buf[i*8:i*8+8], word)
	}
	return buf
}

// encodeExtent assembles one extent: its 40-byte header (magic, block
// count, UUID, MD5) followed by the blockinfo table and the cluster
// payloads, in the order the clusters were appended.
func encodeExtent(uuid [16]byte, clusters []clusterEntry) []byte {
	blockinfo := buildBlockinfo(clusters)
	blockCount := uint16(len(clusters) * (ClusterSize / 4096))

	header := make([]byte, extentHeaderSize+16)
	binary.BigEndian.PutUint32(header[0:4], extentMagic)
	// header[4:6] reserved, left zero.
	binary.BigEndian.PutUint16(header[6:8], blockCount)
	copy(header[8:24], uuid[:])
	// header[24:40] is the digest slot, left zero for the checksum pass.

	digest := md5.New()
	digest.Write(header)
	digest.Write(blockinfo)
	sum := digest.Sum(nil)
	copy(header[extentDigestOffset:extentDigestOffset+16], sum)

	out := make([]byte, 0, len(header)+len(blockinfo)+len(clusters)*ClusterSize)
	out = append(out, header...)
	out = append(out, blockinfo...)
	for _, c := range clusters {
		out = append(out, c.data...)
	}
	return out
}
