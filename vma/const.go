package vma

// Package vma implements the binary archive format: a fixed-layout header
// (magic, UUID, creation time, device table, config table, blob pool,
// MD5) followed by a sequence of extents, each holding up to
// BlocksPerExtent clusters of payload plus its own header and MD5.

const (
	// ClusterSize is the fixed payload unit; every disk write surfaces to
	// the extent packer as a whole number of clusters.
	ClusterSize = 65536

	// BlocksPerExtent is the maximum number of clusters packed into a
	// single extent before it is flushed.
	BlocksPerExtent = 59

	magic       = 0x564d4100
	version     = 1
	extentMagic = 0x564d4145

	maxStreams = 255
	maxConfigs = 256

	// headerReservedSize is the padding between the fixed header fields
	// and the config table.
	headerReservedSize = 1984

	// devInfoSize is the size in bytes of one device-table entry.
	devInfoSize = 32

	// headerFixedSize is the size of the magic/version/uuid/timestamp/
	// digest/blob-pool-offset/blob-pool-length/header-size block.
	headerFixedSize = 4 + 4 + 16 + 8 + 16 + 4 + 4 + 4

	// configTableSize holds 256 name pointers followed by 256 data
	// pointers, 4 bytes each.
	configTableSize = maxConfigs*4 + maxConfigs*4

	// devAlignPad is the 4 NUL bytes preserved ahead of the device table
	// to match the reference header layout's pre-existing misalignment.
	devAlignPad = 4

	deviceTableSize = (maxStreams + 1) * devInfoSize

	// headerSize is the fixed distance from the start of the header to
	// the start of the blob pool. It never varies with the number of
	// declared streams or configs: both tables are always written at
	// their full, zero-padded width.
	headerSize = headerFixedSize + headerReservedSize + configTableSize + devAlignPad + deviceTableSize

	// digestOffset is where the 16-byte MD5 slot sits within the header
	// buffer, per the fixed field layout above.
	digestOffset = 4 + 4 + 16 + 8

	// extentHeaderSize is the 24-byte structural part of an extent
	// header (magic, reserved, block count, UUID), before the digest.
	extentHeaderSize = 4 + 2 + 2 + 16
	// extentDigestOffset is where the extent's MD5 slot begins.
	extentDigestOffset = extentHeaderSize
	// extentPrefixSize is the full extent header including digest and
	// blockinfo table: 40 bytes of header plus 59*8 bytes of blockinfo.
	extentPrefixSize = extentHeaderSize + 16 + BlocksPerExtent*8
)
