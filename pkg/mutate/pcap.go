// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

import (
	"encoding/binary"
	"math/rand"
)

// PCAPRecords mutates packet payloads in a libpcap capture file while
// keeping the global header and every record header (timestamps and length
// fields) intact, so dissectors accept the file and parse the mutated
// packet bytes. Payload sizes are preserved to keep incl_len truthful.
type PCAPRecords struct {
	rs *regionSet
}

type pcapRecord struct {
	payloadOff int
	payload    []byte
}

func NewPCAPRecords(rnd *rand.Rand) *PCAPRecords {
	return &PCAPRecords{rs: newRegionSet(rnd)}
}

func (m *PCAPRecords) Name() string {
	return "pcap"
}

func (m *PCAPRecords) Mutate(data []byte, emit func([]byte) bool) {
	records := parsePCAP(data)
	if records == nil {
		m.rs.fallback.Mutate(data, emit)
		return
	}
	budget := maxVariants
	for _, rec := range records {
		if len(rec.payload) == 0 {
			continue
		}
		off := rec.payloadOff
		ok := m.rs.mutateRegion(rec.payload, true, &budget, func(v []byte) []byte {
			out := clone(data)
			copy(out[off:], v)
			return out
		}, emit)
		if !ok || budget <= 0 {
			return
		}
	}
}

func parsePCAP(data []byte) []pcapRecord {
	order := pcapByteOrder(data)
	if order == nil {
		return nil
	}
	var records []pcapRecord
	off := 24 // global header
	for off+16 <= len(data) {
		inclLen := int(order.Uint32(data[off+8:]))
		payloadOff := off + 16
		if inclLen < 0 || payloadOff+inclLen > len(data) {
			break
		}
		records = append(records, pcapRecord{
			payloadOff: payloadOff,
			payload:    data[payloadOff : payloadOff+inclLen],
		})
		off = payloadOff + inclLen
	}
	return records
}

func pcapByteOrder(data []byte) binary.ByteOrder {
	if len(data) < 24 {
		return nil
	}
	for _, magic := range []uint32{0xa1b2c3d4, 0xa1b23c4d} {
		if binary.LittleEndian.Uint32(data) == magic {
			return binary.LittleEndian
		}
		if binary.BigEndian.Uint32(data) == magic {
			return binary.BigEndian
		}
	}
	return nil
}
