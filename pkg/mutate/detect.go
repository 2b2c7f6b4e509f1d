// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

import (
	"bytes"
	"encoding/binary"
	"strings"
	"unicode/utf8"
)

// Format identifies input formats with a dedicated structural mutator.
type Format string

const (
	FormatRaw  Format = "raw"
	FormatELF  Format = "elf"
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatPCAP Format = "pcap"
	FormatLua  Format = "lua"
	FormatMJS  Format = "mjs"
	FormatXML  Format = "xml"
)

var pngSig = []byte("\x89PNG\r\n\x1a\n")

// Detect sniffs the input format from magic bytes, falling back to content
// heuristics for text formats. Unknown data is FormatRaw.
func Detect(data []byte) Format {
	if len(data) == 0 {
		return FormatRaw
	}
	switch {
	case bytes.HasPrefix(data, []byte("\x7fELF")):
		return FormatELF
	case bytes.HasPrefix(data, pngSig):
		return FormatPNG
	case bytes.HasPrefix(data, []byte{0xff, 0xd8}):
		return FormatJPEG
	}
	if len(data) >= 4 {
		le := binary.LittleEndian.Uint32(data)
		be := binary.BigEndian.Uint32(data)
		for _, magic := range []uint32{0xa1b2c3d4, 0xa1b23c4d} {
			if le == magic || be == magic {
				return FormatPCAP
			}
		}
	}
	if !utf8.Valid(data) {
		return FormatRaw
	}
	text := strings.TrimSpace(string(data))
	switch {
	case strings.HasPrefix(text, "<?xml"), strings.HasPrefix(text, "<!DOCTYPE"), strings.HasPrefix(text, "<"):
		return FormatXML
	case strings.Contains(text, "function") && strings.Contains(text, "end"):
		return FormatLua
	case strings.Contains(text, "import ") || strings.Contains(text, "export ") ||
		strings.Contains(text, "require("):
		return FormatMJS
	}
	return FormatRaw
}
