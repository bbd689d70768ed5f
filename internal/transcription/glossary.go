package transcription

import (
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90

	// minTokenRunes keeps short function words from matching glossary terms.
	minTokenRunes = 3
)

// Glossary rewrites words that sound like a known participant name or domain
// term to the term's canonical spelling. A candidate needs a shared Double
// Metaphone code and a Jaro-Winkler score above the phonetic threshold, or a
// Jaro-Winkler score above the stricter fuzzy threshold alone.
//
// The term list can be swapped at runtime with [Glossary.SetTerms]. A nil
// *Glossary corrects nothing.
type Glossary struct {
	terms             atomic.Pointer[[]term]
	phoneticThreshold float64
	fuzzyThreshold    float64
}

type term struct {
	canonical string
	tokens    []string
	codes     map[string]struct{}
}

// NewGlossary returns a glossary for terms.
func NewGlossary(terms []string) *Glossary {
	g := &Glossary{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	g.SetTerms(terms)
	return g
}

// SetTerms replaces the term list.
func (g *Glossary) SetTerms(terms []string) {
	prepared := make([]term, 0, len(terms))
	for _, t := range terms {
		tokens := strings.Fields(strings.ToLower(t))
		if len(tokens) == 0 {
			continue
		}
		prepared = append(prepared, term{canonical: strings.TrimSpace(t), tokens: tokens, codes: metaphoneCodes(tokens)})
	}
	g.terms.Store(&prepared)
}

// Len returns the number of terms.
func (g *Glossary) Len() int {
	if g == nil {
		return 0
	}
	return len(*g.terms.Load())
}

// Correct returns text with glossary matches replaced. Longer term windows
// win over shorter ones at the same position. Trailing punctuation of the
// replaced window is kept.
func (g *Glossary) Correct(text string) string {
	if g == nil {
		return text
	}
	terms := *g.terms.Load()
	if len(terms) == 0 {
		return text
	}
	maxWords := 1
	for _, t := range terms {
		maxWords = max(maxWords, len(t.tokens))
	}

	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for i := 0; i < len(words); {
		consumed := 0
		for n := min(maxWords, len(words)-i); n >= 1; n-- {
			window := words[i : i+n]
			if canonical, ok := g.match(window, terms); ok {
				out = append(out, canonical+trailingPunct(window[n-1]))
				consumed = n
				break
			}
		}
		if consumed == 0 {
			out = append(out, words[i])
			consumed = 1
		}
		i += consumed
	}
	return strings.Join(out, " ")
}

func (g *Glossary) match(window []string, terms []term) (string, bool) {
	tokens := make([]string, 0, len(window))
	for _, w := range window {
		tok := strings.ToLower(strings.TrimFunc(w, isPunct))
		if utf8.RuneCountInString(tok) < minTokenRunes {
			return "", false
		}
		tokens = append(tokens, tok)
	}
	codes := metaphoneCodes(tokens)
	joined := strings.Join(tokens, " ")

	var (
		best      string
		bestScore float64
		phonetic  bool
	)
	for _, t := range terms {
		if len(t.tokens) != len(tokens) {
			continue
		}
		score := matchr.JaroWinkler(joined, strings.Join(t.tokens, " "), false)
		if overlaps(codes, t.codes) {
			if score >= g.phoneticThreshold && (!phonetic || score > bestScore) {
				best, bestScore, phonetic = t.canonical, score, true
			}
		} else if !phonetic && score >= g.fuzzyThreshold && score > bestScore {
			best, bestScore = t.canonical, score
		}
	}
	return best, best != ""
}

func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
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

func isPunct(r rune) bool { return unicode.IsPunct(r) }

func trailingPunct(word string) string {
	trimmed := strings.TrimRightFunc(word, isPunct)
	return word[len(trimmed):]
}
