// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

import (
	"math/rand"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Source mutates program text (Lua and ECMAScript modules) with a
// dictionary of language tokens, number literal swaps and byte-level edits,
// then repairs bracket and quote closure so most variants survive the
// tokenizer and reach deeper interpreter states. Protected spans (shebang,
// module import boundaries) are never modified. Non-text input degrades to
// generic byte mutation.
type Source struct {
	name      string
	dict      []string
	quotes    []rune
	protected func(text string) []span
	rnd       *rand.Rand
	rs        *regionSet
}

type span struct {
	start, end int
}

var luaDict = []string{
	"and", "break", "do", "else", "elseif", "end", "false", "for", "function",
	"goto", "if", "in", "local", "nil", "not", "or", "repeat", "return", "then",
	"true", "until", "while",
	"print", "pairs", "ipairs", "next", "tonumber", "tostring", "string.sub",
	"string.match", "string.gsub", "table.insert", "table.remove", "math.floor",
	"math.ceil", "math.random",
}

var mjsDict = []string{
	"var", "let", "const", "function", "return", "if", "else", "for", "while",
	"switch", "case", "break", "continue", "class", "extends", "new", "try",
	"catch", "finally", "throw", "async", "await", "yield", "typeof",
	"instanceof", "in", "of",
	"console", "log", "JSON", "parse", "stringify", "Math", "Date", "Promise",
	"setTimeout", "require", "module", "exports",
}

var (
	wordRe    = regexp.MustCompile(`\b[a-zA-Z_][a-zA-Z0-9_]*\b`)
	numberRe  = regexp.MustCompile(`(?i)\b\d+(\.\d+)?(e[+-]?\d+)?\b`)
	mjsLineRe = regexp.MustCompile(`(?m)^\s*(?:import|export)\b.*$`)
	requireRe = regexp.MustCompile(`require\(\s*['"][^'"]*['"]\s*\)`)
)

var swapNumbers = []string{"0", "1", "-1", "2", "-2", "0xFF", "1e3"}

func NewLuaSource(rnd *rand.Rand) *Source {
	return &Source{
		name:      "lua",
		dict:      luaDict,
		quotes:    []rune{'\'', '"'},
		protected: shebangSpan,
		rnd:       rnd,
		rs:        newRegionSet(rnd),
	}
}

func NewMJSSource(rnd *rand.Rand) *Source {
	return &Source{
		name:   "mjs",
		dict:   mjsDict,
		quotes: []rune{'\'', '"', '`'},
		protected: func(text string) []span {
			spans := shebangSpan(text)
			for _, m := range mjsLineRe.FindAllStringIndex(text, -1) {
				spans = append(spans, span{m[0], m[1]})
			}
			for _, m := range requireRe.FindAllStringIndex(text, -1) {
				spans = append(spans, span{m[0], m[1]})
			}
			return mergeSpans(spans)
		},
		rnd: rnd,
		rs:  newRegionSet(rnd),
	}
}

func (m *Source) Name() string {
	return m.name
}

func (m *Source) Mutate(data []byte, emit func([]byte) bool) {
	if !utf8.Valid(data) {
		m.rs.fallback.Mutate(data, emit)
		return
	}
	text := string(data)
	protected := m.protected(text)
	gaps := invertSpans(protected, len(text))
	if len(gaps) == 0 {
		m.rs.fallback.Mutate(data, emit)
		return
	}

	budget := maxVariants
	done := func(out string) bool {
		budget--
		return !emit([]byte(m.repair(out))) || budget <= 0
	}
	if done(m.insertToken(text, gaps)) {
		return
	}
	if done(m.swapNumberLiterals(text, gaps)) {
		return
	}

	// Byte-level edits, one unprotected gap at a time.
	for _, g := range gaps {
		g := g
		region := []byte(text[g.start:g.end])
		if len(region) == 0 {
			continue
		}
		ok := m.rs.mutateRegion(region, false, &budget, func(v []byte) []byte {
			if !utf8.Valid(v) {
				return nil
			}
			return []byte(m.repair(text[:g.start] + string(v) + text[g.end:]))
		}, emit)
		if !ok || budget <= 0 {
			return
		}
	}
}

// insertToken drops a dictionary token after a random identifier inside an
// unprotected region.
func (m *Source) insertToken(text string, gaps []span) string {
	g := gaps[m.rnd.Intn(len(gaps))]
	segment := text[g.start:g.end]
	pos := len(segment)
	if words := wordRe.FindAllStringIndex(segment, -1); len(words) > 0 {
		pos = words[m.rnd.Intn(len(words))][1]
	}
	tok := m.dict[m.rnd.Intn(len(m.dict))]
	return text[:g.start] + segment[:pos] + " " + tok + segment[pos:] + text[g.end:]
}

func (m *Source) swapNumberLiterals(text string, gaps []span) string {
	var sb strings.Builder
	last := 0
	for _, g := range gaps {
		sb.WriteString(text[last:g.start])
		sb.WriteString(numberRe.ReplaceAllStringFunc(text[g.start:g.end], func(s string) string {
			if m.rnd.Intn(2) == 0 {
				return swapNumbers[m.rnd.Intn(len(swapNumbers))]
			}
			return s
		}))
		last = g.end
	}
	sb.WriteString(text[last:])
	return sb.String()
}

// repair appends the closers needed to rebalance brackets and close odd
// unescaped quotes, which keeps most variants past the lexer.
func (m *Source) repair(s string) string {
	for _, p := range []struct{ open, close string }{{"(", ")"}, {"[", "]"}, {"{", "}"}} {
		if n := strings.Count(s, p.open) - strings.Count(s, p.close); n > 0 {
			s += strings.Repeat(p.close, n)
		}
	}
	for _, q := range m.quotes {
		if countUnescaped(s, byte(q))%2 == 1 {
			s += string(q)
		}
	}
	return s
}

func countUnescaped(s string, ch byte) int {
	cnt := 0
	for i := 0; i < len(s); i++ {
		if s[i] != ch {
			continue
		}
		back := 0
		for j := i - 1; j >= 0 && s[j] == '\\'; j-- {
			back++
		}
		if back%2 == 0 {
			cnt++
		}
	}
	return cnt
}

func shebangSpan(text string) []span {
	if !strings.HasPrefix(text, "#!") {
		return nil
	}
	if nl := strings.IndexByte(text, '\n'); nl != -1 {
		return []span{{0, nl + 1}}
	}
	return []span{{0, len(text)}}
}

func mergeSpans(spans []span) []span {
	if len(spans) == 0 {
		return nil
	}
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].start < spans[j-1].start; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}
	merged := spans[:1]
	for _, s := range spans[1:] {
		if s.start <= merged[len(merged)-1].end {
			if s.end > merged[len(merged)-1].end {
				merged[len(merged)-1].end = s.end
			}
		} else {
			merged = append(merged, s)
		}
	}
	return merged
}

func invertSpans(spans []span, size int) []span {
	var gaps []span
	last := 0
	for _, s := range spans {
		if s.start > last {
			gaps = append(gaps, span{last, s.start})
		}
		last = s.end
	}
	if last < size {
		gaps = append(gaps, span{last, size})
	}
	return gaps
}
