// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

import (
	"bytes"
	"encoding/binary"
	"math/rand"
)

// ELFSections mutates the contents of ELF sections while leaving the ELF
// header and section table intact, so loaders get past the envelope and
// reach the code that consumes section data. Sections without file contents
// (SHT_NOBITS) are skipped and section sizes are preserved.
type ELFSections struct {
	rs *regionSet
}

const shtNobits = 8

type elfSection struct {
	off  int
	size int
	typ  uint32
}

func NewELFSections(rnd *rand.Rand) *ELFSections {
	return &ELFSections{rs: newRegionSet(rnd)}
}

func (m *ELFSections) Name() string {
	return "elf"
}

func (m *ELFSections) Mutate(data []byte, emit func([]byte) bool) {
	sections := parseELFSections(data)
	if len(sections) == 0 {
		m.rs.fallback.Mutate(data, emit)
		return
	}
	budget := maxVariants
	for _, sec := range sections {
		region := data[sec.off : sec.off+sec.size]
		off := sec.off
		ok := m.rs.mutateRegion(region, true, &budget, func(v []byte) []byte {
			out := clone(data)
			copy(out[off:], v)
			return out
		}, emit)
		if !ok || budget <= 0 {
			return
		}
	}
}

func parseELFSections(data []byte) []elfSection {
	if !bytes.HasPrefix(data, []byte("\x7fELF")) || len(data) < 64 {
		return nil
	}
	var order binary.ByteOrder
	switch data[5] {
	case 1:
		order = binary.LittleEndian
	case 2:
		order = binary.BigEndian
	default:
		return nil
	}
	// Header fields are attacker-controlled 64-bit values; all bounds
	// checks happen in uint64 space so nothing can wrap negative.
	var shoff, entSize, num, shSize uint64
	switch data[4] {
	case 1: // ELF32
		shoff = uint64(order.Uint32(data[32:]))
		entSize = uint64(order.Uint16(data[46:]))
		num = uint64(order.Uint16(data[48:]))
		shSize = 40
	case 2: // ELF64
		shoff = order.Uint64(data[40:])
		entSize = uint64(order.Uint16(data[58:]))
		num = uint64(order.Uint16(data[60:]))
		shSize = 64
	default:
		return nil
	}
	size := uint64(len(data))
	var sections []elfSection
	for i := uint64(0); i < num; i++ {
		off := shoff + i*entSize
		if off > size-shSize {
			break
		}
		sh := data[off : off+shSize]
		sec := elfSection{typ: order.Uint32(sh[4:])}
		var secOff, secSize uint64
		if shSize == 40 {
			secOff = uint64(order.Uint32(sh[16:]))
			secSize = uint64(order.Uint32(sh[20:]))
		} else {
			secOff = order.Uint64(sh[24:])
			secSize = order.Uint64(sh[32:])
		}
		if secSize == 0 || sec.typ == shtNobits {
			continue
		}
		if secOff > size || secSize > size-secOff {
			continue
		}
		sec.off, sec.size = int(secOff), int(secSize)
		sections = append(sections, sec)
	}
	return sections
}
