package crawler

import (
	"sort"
	"strings"
	"unicode"
)

// WordCounter tallies candidate words the way cewl does: lower-cased runs
// of letters, digits and hyphens.
type WordCounter struct {
	minLen int
	counts map[string]int
}

func NewWordCounter(minLen int) *WordCounter {
	return &WordCounter{minLen: minLen, counts: make(map[string]int)}
}

func (w *WordCounter) Add(text string) {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '-' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))))
	})
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if len(f) < w.minLen || len(f) > 63 {
			continue
		}
		w.counts[f]++
	}
}

// Top returns at most n words, most frequent first, ties alphabetical.
func (w *WordCounter) Top(n int) []string {
	words := make([]string, 0, len(w.counts))
	for word := range w.counts {
		words = append(words, word)
	}
	sort.Slice(words, func(i, j int) bool {
		if w.counts[words[i]] != w.counts[words[j]] {
			return w.counts[words[i]] > w.counts[words[j]]
		}
		return words[i] < words[j]
	})
	if n > 0 && len(words) > n {
		words = words[:n]
	}
	return words
}
