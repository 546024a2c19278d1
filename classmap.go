// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package perobs

import "encoding/binary"

// encodeClassMap/decodeClassMap frame the class-name table (spec.md §9:
// "the original stores per-class metadata in a ClassMap so blobs can
// carry a compact type tag") as a length-prefixed record: count, then
// (namelen, name, id) tuples. The wrapper layer that actually tags
// blobs with these ids is out of scope for the core; the store only
// persists the table itself under ClassMapOID and exposes
// RenameClasses over it.
func encodeClassMap(classes map[string]uint32) []byte {
	buf := make([]byte, 0, 64)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(classes)))
	buf = append(buf, n[:]...)
	for name, id := range classes {
		var nl [4]byte
		binary.LittleEndian.PutUint32(nl[:], uint32(len(name)))
		buf = append(buf, nl[:]...)
		buf = append(buf, name...)
		var iv [4]byte
		binary.LittleEndian.PutUint32(iv[:], id)
		buf = append(buf, iv[:]...)
	}
	return buf
}

func decodeClassMap(b []byte) (map[string]uint32, error) {
	classes := make(map[string]uint32)
	if len(b) < 8 {
		if len(b) == 0 {
			return classes, nil
		}
		return nil, ErrStore.Errorf("class map record truncated")
	}
	count := binary.LittleEndian.Uint64(b[:8])
	b = b[8:]
	for i := uint64(0); i < count; i++ {
		if len(b) < 4 {
			return nil, ErrStore.Errorf("class map record truncated")
		}
		nl := binary.LittleEndian.Uint32(b[:4])
		b = b[4:]
		if uint64(len(b)) < uint64(nl)+4 {
			return nil, ErrStore.Errorf("class map record truncated")
		}
		name := string(b[:nl])
		b = b[nl:]
		id := binary.LittleEndian.Uint32(b[:4])
		b = b[4:]
		classes[name] = id
	}
	return classes, nil
}
