// Package normalize canonicalizes free-text listing titles for comparison.
package normalize

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// fingerprintStopWords are dropped before hashing listings.
var fingerprintStopWords = []string{
	"настольная игра", "настольные игры", "издание", "делюкс", "эксклюзив",
	"набор", "база", "дополнение", "расширение", "версия", "редакция",
}

// titleStopWords are marketing words retailers attach to titles; dropped before matching.
var titleStopWords = []string{
	"настольная игра", "подарочное издание", "board game", "gift edition",
	"игра", "издание", "база", "делюкс", "эксклюзив", "набор", "коллекция",
	"game", "edition", "deluxe", "exclusive", "set", "collection",
}

var (
	fingerprintPhrases = phrases(fingerprintStopWords)
	titlePhrases       = phrases(titleStopWords)
)

// phrases splits stop words into words, longest phrase first.
func phrases(words []string) [][]string {
	out := make([][]string, 0, len(words))
	for _, w := range words {
		out = append(out, strings.Fields(w))
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// Text returns the canonical form used for fingerprints: folded case, punctuation
// deleted except hyphens, stop words dropped, whitespace collapsed.
func Text(s string) string {
	return canonical(s, false, fingerprintPhrases)
}

// Title is the matching form: like Text with the wider marketing stop-word list,
// and hyphens split words.
func Title(s string) string {
	return canonical(s, true, titlePhrases)
}

func canonical(s string, splitHyphens bool, stop [][]string) string {
	if s == "" {
		return ""
	}

	// Caser is stateful, so one per call.
	s = cases.Fold().String(norm.NFKC.String(s))

	s = strings.Map(func(r rune) rune {
		switch {
		case r == '-':
			if splitHyphens {
				return ' '
			}
			return r
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsMark(r):
			return r
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, s)

	words := dropStopWords(strings.Fields(s), stop)
	return strings.Join(words, " ")
}

func dropStopWords(words []string, stop [][]string) []string {
	out := words[:0]
	for i := 0; i < len(words); {
		if n := stopPhraseAt(words, i, stop); n > 0 {
			i += n
			continue
		}
		if strings.Trim(words[i], "-") != "" {
			out = append(out, words[i])
		}
		i++
	}
	return out
}

// stopPhraseAt returns the number of words covered by a stop phrase starting at i.
func stopPhraseAt(words []string, i int, stop [][]string) int {
	for _, phrase := range stop {
		if i+len(phrase) > len(words) {
			continue
		}
		matched := true
		for j, w := range phrase {
			if words[i+j] != w {
				matched = false
				break
			}
		}
		if matched {
			return len(phrase)
		}
	}
	return 0
}
