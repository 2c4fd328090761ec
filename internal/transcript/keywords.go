// Package transcript corrects final transcripts against a list of expected
// keywords, such as venue and dish names the recognizer tends to misspell.
//
// Matching runs in two stages. Double Metaphone codes select phonetic
// candidates, which are accepted above a Jaro-Winkler threshold. Without a
// phonetic candidate a stricter pure Jaro-Winkler threshold applies. At each
// position the longest matching word window wins, so "the salisbury" maps to
// the keyword "The Salusbury" before "salisbury" alone is considered.
package transcript

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.92

	// minWordLen skips short words, which collide phonetically with almost
	// anything.
	minWordLen = 4

	// minLenRatio rejects windows much shorter or longer than the keyword.
	minLenRatio = 0.7
)

// Correction records one replaced span.
type Correction struct {
	Original  string
	Corrected string
	Score     float64
	Phonetic  bool
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the Jaro-Winkler score a phonetic candidate
// needs. Default 0.80.
func WithPhoneticThreshold(v float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = v }
}

// WithFuzzyThreshold sets the score needed without a phonetic match.
// Default 0.92.
func WithFuzzyThreshold(v float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = v }
}

type keyword struct {
	canonical string
	lower     string
	joined    string
	words     int
	codes     map[string]struct{}
}

// Corrector is read-only after construction and safe for concurrent use.
type Corrector struct {
	keywords          []keyword
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewCorrector prepares keywords for matching. Blank entries are ignored.
func NewCorrector(keywords []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, k := range keywords {
		lower := strings.ToLower(strings.TrimSpace(k))
		if lower == "" {
			continue
		}
		words := strings.Fields(lower)
		c.keywords = append(c.keywords, keyword{
			canonical: strings.Join(strings.Fields(strings.TrimSpace(k)), " "),
			lower:     strings.Join(words, " "),
			joined:    strings.Join(words, ""),
			words:     len(words),
			codes:     codes(words),
		})
		c.maxWords = max(c.maxWords, len(words))
	}
	return c
}

// Correct returns text with misheard keywords replaced by their canonical
// spelling, and the corrections made. Punctuation around a replaced window
// is kept.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if c == nil || len(c.keywords) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		n, kw, score, phonetic := c.longestMatch(tokens[i:])
		if n == 0 {
			out = append(out, tokens[i])
			i++
			continue
		}
		original := strings.Join(tokens[i:i+n], " ")
		lead, _, _ := splitPunct(tokens[i])
		_, _, trail := splitPunct(tokens[i+n-1])
		out = append(out, lead+kw.canonical+trail)
		if stripPunct(original) != kw.canonical {
			corrections = append(corrections, Correction{Original: original, Corrected: kw.canonical, Score: score, Phonetic: phonetic})
		}
		i += n
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

func (c *Corrector) longestMatch(tokens []string) (n int, kw keyword, score float64, phonetic bool) {
	for n = min(c.maxWords, len(tokens)); n >= 1; n-- {
		words := make([]string, 0, n)
		for _, t := range tokens[:n] {
			_, w, _ := splitPunct(t)
			if w == "" {
				break
			}
			words = append(words, strings.ToLower(w))
		}
		if len(words) != n {
			continue
		}
		if kw, score, phonetic, ok := c.match(words); ok {
			return n, kw, score, phonetic
		}
	}
	return 0, keyword{}, 0, false
}

// match finds the best keyword with exactly len(words) words.
func (c *Corrector) match(words []string) (best keyword, bestScore float64, bestPhonetic, ok bool) {
	joined := strings.Join(words, "")
	if len([]rune(joined)) < minWordLen {
		return keyword{}, 0, false, false
	}
	full := strings.Join(words, " ")
	inCodes := codes(words)

	for _, kw := range c.keywords {
		if kw.words != len(words) || !similarLength(joined, kw.joined) {
			continue
		}
		score := max(
			matchr.JaroWinkler(full, kw.lower, false),
			matchr.JaroWinkler(joined, kw.joined, false),
		)
		phonetic := overlap(inCodes, kw.codes)
		switch {
		case phonetic && score >= c.phoneticThreshold:
		case !phonetic && score >= c.fuzzyThreshold:
		default:
			continue
		}
		// Phonetic candidates outrank fuzzy ones.
		if !ok || (phonetic && !bestPhonetic) || (phonetic == bestPhonetic && score > bestScore) {
			best, bestScore, bestPhonetic, ok = kw, score, phonetic, true
		}
	}
	return best, bestScore, bestPhonetic, ok
}

func similarLength(a, b string) bool {
	la, lb := float64(len([]rune(a))), float64(len([]rune(b)))
	return min(la, lb)/max(la, lb) >= minLenRatio
}

func codes(words []string) map[string]struct{} {
	out := make(map[string]struct{}, len(words)*2)
	for _, w := range words {
		p, s := matchr.DoubleMetaphone(w)
		if p != "" {
			out[p] = struct{}{}
		}
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

// splitPunct splits tok into leading punctuation, the word and trailing
// punctuation.
func splitPunct(tok string) (lead, word, trail string) {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' }
	start := strings.IndexFunc(tok, isWord)
	if start < 0 {
		return tok, "", ""
	}
	end := strings.LastIndexFunc(tok, isWord)
	// LastIndexFunc returns the byte offset of the rune's first byte.
	end += len(string([]rune(tok[end:])[0]))
	return tok[:start], tok[start:end], tok[end:]
}

func stripPunct(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		_, words[i], _ = splitPunct(w)
	}
	return strings.Join(words, " ")
}
