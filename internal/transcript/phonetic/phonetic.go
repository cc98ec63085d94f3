// Package phonetic corrects domain vocabulary in recognised sentences using
// Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity.
//
// Recognisers routinely mangle proper nouns ("grim jaw" for "Grimjaw",
// "elder nacks" for "Eldrinax"). A [Corrector] is built once from a fixed
// vocabulary and rewrites word windows that sound like a vocabulary term:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     the concatenated window and for each term. Overlapping codes make the
//     term a phonetic candidate, accepted above the phonetic threshold.
//
//  2. Fuzzy fallback: without a phonetic overlap, a term is accepted only
//     above the stricter fuzzy threshold.
//
// Windows span exactly as many words as the term, or one more for single-word
// terms so that a name split in two by the recogniser can be rejoined.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minWindowLetters skips very short windows such as "a" or "is", which
	// would otherwise produce spurious prefix matches.
	minWindowLetters = 3
)

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) {
		if threshold > 0 {
			c.phoneticThreshold = threshold
		}
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) {
		if threshold > 0 {
			c.fuzzyThreshold = threshold
		}
	}
}

// Correction records one replacement made by [Corrector.Correct].
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// term is a vocabulary entry with its comparison data precomputed.
type term struct {
	text   string
	tokens []string
	joined string
	codes  map[string]struct{}
}

// Corrector rewrites vocabulary terms in text. It is read-only after
// construction and safe for concurrent use.
type Corrector struct {
	terms             []term
	maxWindow         int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Corrector] for vocabulary. Blank entries are ignored.
func New(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, v := range vocabulary {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		tokens := strings.Fields(strings.ToLower(v))
		joined := strings.Join(tokens, "")
		c.terms = append(c.terms, term{
			text:   v,
			tokens: tokens,
			joined: joined,
			codes:  codes(joined),
		})
		c.maxWindow = max(c.maxWindow, windowSizes(len(tokens))[0])
	}
	return c
}

// Len returns the number of vocabulary terms.
func (c *Corrector) Len() int { return len(c.terms) }

// Match returns the vocabulary term most similar to phrase. When matched is
// false, corrected equals phrase and confidence is 0.
func (c *Corrector) Match(phrase string) (corrected string, confidence float64, matched bool) {
	tokens := strings.Fields(strings.ToLower(phrase))
	if len(tokens) == 0 {
		return phrase, 0, false
	}
	if t, score, ok := c.best(tokens); ok {
		return t.text, score, true
	}
	return phrase, 0, false
}

// Apply returns text with vocabulary corrections applied.
func (c *Corrector) Apply(text string) string {
	out, _ := c.Correct(text)
	return out
}

// Correct rewrites every window of text that matches a vocabulary term. At
// each position the longest matching window wins. Punctuation around a
// replaced window is preserved.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if len(c.terms) == 0 {
		return text, nil
	}
	raw := strings.Fields(text)
	if len(raw) == 0 {
		return text, nil
	}

	type token struct{ prefix, core, suffix string }
	tokens := make([]token, len(raw))
	for i, r := range raw {
		p, core, s := splitPunct(r)
		tokens[i] = token{p, core, s}
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		consumed := 0
		for n := min(c.maxWindow, len(tokens)-i); n >= 1; n-- {
			words := make([]string, n)
			for k := range n {
				words[k] = strings.ToLower(tokens[i+k].core)
			}
			t, score, ok := c.bestSized(words)
			if !ok {
				continue
			}
			original := joinCores(tokens[i:i+n], func(tk token) string { return tk.core })
			if original != t.text {
				corrections = append(corrections, Correction{Original: original, Corrected: t.text, Confidence: score})
			}
			out = append(out, tokens[i].prefix+t.text+tokens[i+n-1].suffix)
			consumed = n
			break
		}
		if consumed == 0 {
			out = append(out, raw[i])
			consumed = 1
		}
		i += consumed
	}
	return strings.Join(out, " "), corrections
}

// best scores tokens against every term regardless of window size.
func (c *Corrector) best(tokens []string) (term, float64, bool) {
	return c.pick(tokens, func(term) bool { return true })
}

// bestSized only considers terms whose window sizes include len(tokens).
func (c *Corrector) bestSized(tokens []string) (term, float64, bool) {
	return c.pick(tokens, func(t term) bool {
		for _, n := range windowSizes(len(t.tokens)) {
			if n == len(tokens) {
				return true
			}
		}
		return false
	})
}

func (c *Corrector) pick(tokens []string, eligible func(term) bool) (term, float64, bool) {
	joined := strings.Join(tokens, "")
	if letterCount(joined) < minWindowLetters {
		return term{}, 0, false
	}
	inputCodes := codes(joined)

	var (
		best      term
		bestScore float64
		bestPhon  bool
		found     bool
	)
	for _, t := range c.terms {
		if !eligible(t) {
			continue
		}
		score := similarity(tokens, t)
		if overlap(inputCodes, t.codes) {
			if score >= c.phoneticThreshold && (!bestPhon || score > bestScore) {
				best, bestScore, bestPhon, found = t, score, true, true
			}
		} else if !bestPhon && score >= c.fuzzyThreshold && score > bestScore {
			best, bestScore, found = t, score, true
		}
	}
	return best, bestScore, found
}

// windowSizes returns the token counts a window may span to match a term of
// n words, largest first.
func windowSizes(n int) []int {
	if n == 1 {
		return []int{2, 1}
	}
	return []int{n}
}

// similarity is the best Jaro-Winkler score among the spaced phrase, the
// concatenated phrase, and (for equal word counts) the mean per-word score.
func similarity(tokens []string, t term) float64 {
	score := matchr.JaroWinkler(strings.Join(tokens, " "), strings.Join(t.tokens, " "), false)
	if s := matchr.JaroWinkler(strings.Join(tokens, ""), t.joined, false); s > score {
		score = s
	}
	if len(tokens) == len(t.tokens) && len(tokens) > 1 {
		var sum float64
		for i := range tokens {
			sum += matchr.JaroWinkler(tokens[i], t.tokens[i], false)
		}
		if s := sum / float64(len(tokens)); s > score {
			score = s
		}
	}
	return score
}

// codes returns the non-empty Double Metaphone codes of s.
func codes(s string) map[string]struct{} {
	set := make(map[string]struct{}, 2)
	p, a := matchr.DoubleMetaphone(s)
	if p != "" {
		set[p] = struct{}{}
	}
	if a != "" {
		set[a] = struct{}{}
	}
	return set
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// splitPunct separates leading and trailing non-word runes from s.
func splitPunct(s string) (prefix, core, suffix string) {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' }
	start := strings.IndexFunc(s, isWord)
	if start < 0 {
		return s, "", ""
	}
	end := strings.LastIndexFunc(s, isWord)
	// LastIndexFunc returns the byte index of the rune's first byte.
	for end+1 < len(s) && !isRuneStart(s[end+1]) {
		end++
	}
	return s[:start], s[start : end+1], s[end+1:]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func joinCores[T any](items []T, f func(T) string) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = f(it)
	}
	return strings.Join(parts, " ")
}
