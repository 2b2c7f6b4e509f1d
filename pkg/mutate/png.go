// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math/rand"
)

// PNGChunks mutates the payloads of non-critical-structure PNG chunks
// (IDAT and the text chunks) and recomputes each mutated chunk's CRC, so
// decoders get past the integrity check and into payload parsing. The
// signature, IHDR and IEND are never touched.
type PNGChunks struct {
	rs *regionSet
}

type pngChunk struct {
	off  int // offset of the length field
	typ  []byte
	data []byte
}

func NewPNGChunks(rnd *rand.Rand) *PNGChunks {
	return &PNGChunks{rs: newRegionSet(rnd)}
}

func (m *PNGChunks) Name() string {
	return "png"
}

var pngMutableTypes = map[string]bool{
	"IDAT": true,
	"tEXt": true,
	"zTXt": true,
	"iTXt": true,
}

func (m *PNGChunks) Mutate(data []byte, emit func([]byte) bool) {
	chunks := parsePNGChunks(data)
	if chunks == nil {
		m.rs.fallback.Mutate(data, emit)
		return
	}
	budget := maxVariants
	for _, ch := range chunks {
		if !pngMutableTypes[string(ch.typ)] || len(ch.data) == 0 {
			continue
		}
		ch := ch
		ok := m.rs.mutateRegion(ch.data, true, &budget, func(v []byte) []byte {
			return rebuildPNG(data, ch, v)
		}, emit)
		if !ok || budget <= 0 {
			return
		}
	}
}

// rebuildPNG replaces one chunk's payload and CRC, keeping everything
// before and after the chunk byte-identical.
func rebuildPNG(data []byte, ch pngChunk, payload []byte) []byte {
	crc := crc32.ChecksumIEEE(append(append([]byte{}, ch.typ...), payload...))
	out := make([]byte, 0, len(data))
	out = append(out, data[:ch.off]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, ch.typ...)
	out = append(out, payload...)
	out = binary.BigEndian.AppendUint32(out, crc)
	chunkEnd := ch.off + 4 + 4 + len(ch.data) + 4
	return append(out, data[chunkEnd:]...)
}

func parsePNGChunks(data []byte) []pngChunk {
	if !bytes.HasPrefix(data, pngSig) {
		return nil
	}
	var chunks []pngChunk
	off := len(pngSig)
	for off+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[off:]))
		dataStart := off + 8
		dataEnd := dataStart + length
		if length < 0 || dataEnd+4 > len(data) {
			break
		}
		chunks = append(chunks, pngChunk{
			off:  off,
			typ:  data[off+4 : off+8],
			data: data[dataStart:dataEnd],
		})
		off = dataEnd + 4
	}
	return chunks
}
