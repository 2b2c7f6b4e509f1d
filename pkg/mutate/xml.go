// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

import (
	"encoding/xml"
	"io"
	"math/rand"
	"regexp"
	"strings"
	"unicode/utf8"
)

// XMLDoc mutates attribute values and text nodes of an XML document.
// The prolog, DOCTYPE, comments and CDATA sections are protected, mutated
// values are re-escaped, hex strings that look like checksums are left
// alone, and every variant is checked for well-formedness before being
// emitted. The combination keeps variants inside the parser's accepting
// states where structural fuzzing pays off.
type XMLDoc struct {
	rnd *rand.Rand
	rs  *regionSet
}

var (
	xmlPrologRe  = regexp.MustCompile(`(?i)<\?xml[^>]*\?>`)
	xmlDoctypeRe = regexp.MustCompile(`(?is)<!DOCTYPE[^>]*>`)
	xmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	xmlCdataRe   = regexp.MustCompile(`(?s)<!\[CDATA\[.*?\]\]>`)
	xmlAttrRe    = regexp.MustCompile(`[a-zA-Z_:][a-zA-Z0-9_:\-.]*\s*=\s*("[^"]*"|'[^']*')`)
	xmlTextRe    = regexp.MustCompile(`>([^<>]+)<`)
	checksumRe   = regexp.MustCompile(`^([0-9a-fA-F]{32}|[0-9a-fA-F]{40}|[0-9a-fA-F]{64})$`)
)

func NewXMLDoc(rnd *rand.Rand) *XMLDoc {
	return &XMLDoc{rnd: rnd, rs: newRegionSet(rnd)}
}

func (m *XMLDoc) Name() string {
	return "xml"
}

func (m *XMLDoc) Mutate(data []byte, emit func([]byte) bool) {
	if !utf8.Valid(data) {
		m.rs.fallback.Mutate(data, emit)
		return
	}
	text := string(data)
	protected := protectedXMLSpans(text)
	regions := mutableXMLSpans(text, protected)
	if len(regions) == 0 {
		m.rs.fallback.Mutate(data, emit)
		return
	}
	budget := maxVariants
	for _, reg := range regions {
		reg := reg
		val := text[reg.start:reg.end]
		ok := m.rs.mutateRegion([]byte(val), false, &budget, func(v []byte) []byte {
			if !utf8.Valid(v) {
				return nil
			}
			doc := text[:reg.start] + escapeXML(string(v)) + text[reg.end:]
			if !wellFormedXML(doc) {
				return nil
			}
			return []byte(doc)
		}, emit)
		if !ok || budget <= 0 {
			return
		}
	}
}

// mutableXMLSpans collects attribute value interiors and non-blank text
// nodes, skipping protected spans and checksum-like values.
func mutableXMLSpans(text string, protected []span) []span {
	var regions []span
	add := func(start, end int) {
		val := text[start:end]
		if strings.TrimSpace(val) == "" || checksumRe.MatchString(strings.TrimSpace(val)) {
			return
		}
		for _, p := range protected {
			if start >= p.start && start < p.end {
				return
			}
		}
		regions = append(regions, span{start, end})
	}
	for _, m := range xmlAttrRe.FindAllStringSubmatchIndex(text, -1) {
		// m[2], m[3] bound the quoted group; strip the quotes.
		if m[3]-m[2] >= 2 {
			add(m[2]+1, m[3]-1)
		}
	}
	for _, m := range xmlTextRe.FindAllStringSubmatchIndex(text, -1) {
		add(m[2], m[3])
	}
	return regions
}

func protectedXMLSpans(text string) []span {
	var spans []span
	for _, re := range []*regexp.Regexp{xmlPrologRe, xmlDoctypeRe, xmlCommentRe, xmlCdataRe} {
		for _, m := range re.FindAllStringIndex(text, -1) {
			spans = append(spans, span{m[0], m[1]})
		}
	}
	return mergeSpans(spans)
}

func escapeXML(s string) string {
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	).Replace(s)
}

func wellFormedXML(doc string) bool {
	dec := xml.NewDecoder(strings.NewReader(doc))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return true
		}
		if err != nil {
			return false
		}
	}
}
