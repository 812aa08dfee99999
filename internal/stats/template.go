package stats

import (
	"net"
	"strconv"
	"strings"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"
)

// templateCacheSize bounds the reason string → tokenization cache.
const templateCacheSize = 1000

// seenSetMax caps the distinct values remembered per placeholder slot.
const seenSetMax = 10

// opaqueIDMinLen is the shortest token treated as an identifier; piece
// and satellite IDs in log reasons are base58 strings around 50 chars.
const opaqueIDMinLen = 16

// Placeholder slot kinds.
const (
	slotInt    = "int"
	slotAddr   = "addr"
	slotString = "string"
)

// tokenization is the result of templating one exact reason string: the
// normalized template plus the collapsed values in placeholder order.
type tokenization struct {
	template string
	slots    []slotValue
}

type slotValue struct {
	kind string
	num  int64  // slotInt
	str  string // slotAddr and slotString
}

// templateCache maps xxh3(reason) to its tokenization so repeated
// failures with identical reason strings skip the tokenizer. Safe for
// concurrent use; a racing recompute stores the same value twice.
type templateCache struct {
	cache otter.Cache[uint64, tokenization]
}

func newTemplateCache(capacity int) *templateCache {
	cache, err := otter.MustBuilder[uint64, tokenization](capacity).
		Cost(func(_ uint64, _ tokenization) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("stats: failed to create template cache: " + err.Error())
	}
	return &templateCache{cache: cache}
}

func (c *templateCache) tokenize(reason string) tokenization {
	key := xxh3.HashString(reason)
	if tok, ok := c.cache.Get(key); ok {
		return tok
	}
	tok := tokenizeReason(reason)
	c.cache.Set(key, tok)
	return tok
}

// tokenizeReason splits a failure reason on whitespace and collapses
// volatile tokens to '#': host:port endpoints, standalone integers, and
// identifier-shaped tokens such as piece or satellite IDs. Surrounding
// punctuation survives, so "dial 1.2.3.4:7777:" becomes "dial #:".
// Reasons differing only in collapsed tokens fold into one template.
func tokenizeReason(reason string) tokenization {
	fields := strings.Fields(reason)
	out := make([]string, len(fields))
	var slots []slotValue
	for i, tok := range fields {
		core, prefix, suffix := trimPunct(tok)
		collapsed, vals := collapseToken(core)
		if vals == nil {
			out[i] = tok
			continue
		}
		out[i] = prefix + collapsed + suffix
		slots = append(slots, vals...)
	}
	return tokenization{template: strings.Join(out, " "), slots: slots}
}

// collapseToken classifies one punctuation-trimmed token. A nil slots
// return means the token stays literal.
func collapseToken(core string) (string, []slotValue) {
	if isAddrPort(core) {
		return "#", []slotValue{{kind: slotAddr, str: core}}
	}
	if n, err := strconv.ParseInt(core, 10, 64); err == nil {
		return "#", []slotValue{{kind: slotInt, num: n}}
	}
	if isOpaqueID(core) {
		return "#", []slotValue{{kind: slotString, str: core}}
	}
	// Go net errors join endpoints with an arrow: "a:p1->b:p2".
	if from, to, ok := strings.Cut(core, "->"); ok && isAddrPort(from) && isAddrPort(to) {
		return "#->#", []slotValue{{kind: slotAddr, str: from}, {kind: slotAddr, str: to}}
	}
	return "", nil
}

// trimPunct splits a token into its core and the punctuation around it.
func trimPunct(tok string) (core, prefix, suffix string) {
	const punct = `.,;:()[]"'`
	start := 0
	for start < len(tok) && strings.ContainsRune(punct, rune(tok[start])) {
		start++
	}
	end := len(tok)
	for end > start && strings.ContainsRune(punct, rune(tok[end-1])) {
		end--
	}
	return tok[start:end], tok[:start], tok[end:]
}

// isAddrPort reports whether tok is an IP endpoint like "1.2.3.4:7777".
func isAddrPort(tok string) bool {
	host, port, err := net.SplitHostPort(tok)
	if err != nil || port == "" {
		return false
	}
	if _, err := strconv.Atoi(port); err != nil {
		return false
	}
	return net.ParseIP(host) != nil
}

// isOpaqueID reports whether tok looks like a generated identifier:
// long, strictly alphanumeric, mixing letters and digits.
func isOpaqueID(tok string) bool {
	if len(tok) < opaqueIDMinLen {
		return false
	}
	var hasLetter, hasDigit bool
	for _, r := range tok {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
			hasLetter = true
		default:
			return false
		}
	}
	return hasLetter && hasDigit
}

// errorTemplate accumulates occurrences of one failure shape within a
// view window.
type errorTemplate struct {
	count int64
	slots []*slotDetail
}

// slotDetail tracks the values observed at one placeholder position:
// a running (min,max) for integers, a bounded seen-set otherwise.
type slotDetail struct {
	kind     string
	min, max int64
	seen     map[string]struct{}
}

func newSlotDetail(v slotValue) *slotDetail {
	d := &slotDetail{kind: v.kind}
	if v.kind == slotInt {
		d.min, d.max = v.num, v.num
		return d
	}
	d.seen = map[string]struct{}{v.str: {}}
	return d
}

// observe folds one value into the slot. When kinds disagree across
// occurrences the slot degrades to a string seen-set from then on.
func (d *slotDetail) observe(v slotValue) {
	if v.kind == slotInt && d.kind == slotInt {
		if v.num < d.min {
			d.min = v.num
		}
		if v.num > d.max {
			d.max = v.num
		}
		return
	}
	if d.kind == slotInt {
		d.kind = slotString
		d.seen = make(map[string]struct{})
	}
	s := v.str
	if v.kind == slotInt {
		s = strconv.FormatInt(v.num, 10)
	}
	if _, ok := d.seen[s]; !ok && len(d.seen) < seenSetMax {
		d.seen[s] = struct{}{}
	}
}

// recordError folds one failure reason into the view's template table.
func (vs *ViewStats) recordError(reason string) {
	tok := vs.engine.templates.tokenize(reason)
	tpl := vs.templates[tok.template]
	if tpl == nil {
		tpl = &errorTemplate{slots: make([]*slotDetail, len(tok.slots))}
		for i, v := range tok.slots {
			tpl.slots[i] = newSlotDetail(v)
		}
		vs.templates[tok.template] = tpl
		tpl.count++
		return
	}
	tpl.count++
	for i, v := range tok.slots {
		if i >= len(tpl.slots) {
			break
		}
		tpl.slots[i].observe(v)
	}
}
