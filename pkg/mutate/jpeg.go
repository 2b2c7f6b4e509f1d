// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

import (
	"bytes"
	"encoding/binary"
	"math/rand"
)

// JPEGSegments mutates the payloads of quantization tables, huffman tables
// and the entropy-coded scan data in a JPEG stream. Marker bytes, segment
// length fields and the SOI/EOI envelope are preserved so decoders commit
// to parsing the mutated tables instead of rejecting the file outright.
type JPEGSegments struct {
	rs *regionSet
}

type jpegRegion struct {
	off  int
	data []byte
}

func NewJPEGSegments(rnd *rand.Rand) *JPEGSegments {
	return &JPEGSegments{rs: newRegionSet(rnd)}
}

func (m *JPEGSegments) Name() string {
	return "jpeg"
}

func (m *JPEGSegments) Mutate(data []byte, emit func([]byte) bool) {
	regions := parseJPEGRegions(data)
	if regions == nil {
		m.rs.fallback.Mutate(data, emit)
		return
	}
	budget := maxVariants
	for _, reg := range regions {
		if len(reg.data) == 0 {
			continue
		}
		off := reg.off
		ok := m.rs.mutateRegion(reg.data, true, &budget, func(v []byte) []byte {
			out := clone(data)
			copy(out[off:], v)
			return out
		}, emit)
		if !ok || budget <= 0 {
			return
		}
	}
}

// parseJPEGRegions walks the marker stream and collects the mutable
// payloads: DQT (0xdb), DHT (0xc4) and the entropy-coded bytes that follow
// the SOS header up to the next marker.
func parseJPEGRegions(data []byte) []jpegRegion {
	if !bytes.HasPrefix(data, []byte{0xff, 0xd8}) {
		return nil
	}
	var regions []jpegRegion
	off := 2
	for off+4 <= len(data) {
		if data[off] != 0xff {
			break
		}
		marker := data[off+1]
		switch {
		case marker == 0xd9: // EOI
			return regions
		case marker == 0x01 || (marker >= 0xd0 && marker <= 0xd7):
			// standalone markers carry no payload
			off += 2
			continue
		}
		length := int(binary.BigEndian.Uint16(data[off+2:]))
		if length < 2 || off+2+length > len(data) {
			break
		}
		payloadOff := off + 4
		payload := data[payloadOff : off+2+length]
		switch marker {
		case 0xdb, 0xc4: // DQT, DHT
			regions = append(regions, jpegRegion{off: payloadOff, data: payload})
		case 0xda: // SOS: the scan data runs until the next marker
			scanOff := off + 2 + length
			scanEnd := scanOff
			for scanEnd+1 < len(data) {
				if data[scanEnd] == 0xff && data[scanEnd+1] != 0x00 &&
					!(data[scanEnd+1] >= 0xd0 && data[scanEnd+1] <= 0xd7) {
					break
				}
				scanEnd++
			}
			if scanEnd > scanOff {
				regions = append(regions, jpegRegion{off: scanOff, data: data[scanOff:scanEnd]})
			}
			off = scanEnd
			continue
		}
		off += 2 + length
	}
	return regions
}
