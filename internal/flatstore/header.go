// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package flatstore

import "encoding/binary"

const (
	flagMark       = 1 << 0
	flagCompressed = 1 << 1
	flagLive       = 1 << 2
)

// blobHeaderSize is the on-disk size of blobHeader: flags(1) + length(4)
// + oid(8) + crc32(4), little-endian, per spec.md §6.
const blobHeaderSize = 1 + 4 + 8 + 4

// blobHeader frames every region of the FlatFile, live or free. For a
// free region, Length carries the payload length the region held
// before it was freed, so the region's physical span is always exactly
// blobHeaderSize+Length and a byte range is self-describing without
// consulting the index.
type blobHeader struct {
	Flags  uint8
	Length uint32
	OID    uint64
	CRC32  uint32
}

func (h blobHeader) live() bool       { return h.Flags&flagLive != 0 }
func (h blobHeader) marked() bool     { return h.Flags&flagMark != 0 }
func (h blobHeader) compressed() bool { return h.Flags&flagCompressed != 0 }

func (h *blobHeader) setLive(v bool)   { h.setFlag(flagLive, v) }
func (h *blobHeader) setMark(v bool)   { h.setFlag(flagMark, v) }

func (h *blobHeader) setFlag(bit uint8, v bool) {
	if v {
		h.Flags |= bit
	} else {
		h.Flags &^= bit
	}
}

func encodeBlobHeader(h blobHeader) []byte {
	b := make([]byte, blobHeaderSize)
	b[0] = h.Flags
	binary.LittleEndian.PutUint32(b[1:5], h.Length)
	binary.LittleEndian.PutUint64(b[5:13], h.OID)
	binary.LittleEndian.PutUint32(b[13:17], h.CRC32)
	return b
}

func decodeBlobHeader(b []byte) blobHeader {
	return blobHeader{
		Flags:  b[0],
		Length: binary.LittleEndian.Uint32(b[1:5]),
		OID:    binary.LittleEndian.Uint64(b[5:13]),
		CRC32:  binary.LittleEndian.Uint32(b[13:17]),
	}
}
