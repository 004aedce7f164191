package coupons

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// confusables maps visually ambiguous characters onto one representative per class:
// {O,0} -> 0, {I,1,L} -> 1, {S,5} -> 5, {B,8} -> 8. Nothing else is substituted.
var confusables = map[rune]rune{
	'O': '0',
	'I': '1',
	'L': '1',
	'S': '5',
	'B': '8',
}

// maxNormalizePasses bounds the fixpoint loop in Normalize. Case mapping can produce
// characters that fold further, so one pass is not always stable on its own.
const maxNormalizePasses = 4

// Normalize maps a user-entered code to its lookup key. It folds full-width and
// compatibility forms, upper-cases, strips all whitespace and collapses confusable
// characters. Normalize(Normalize(x)) == Normalize(x).
func Normalize(code string) string {
	key := normalizePass(code)
	for i := 1; i < maxNormalizePasses; i++ {
		next := normalizePass(key)
		if next == key {
			break
		}
		key = next
	}
	return key
}

func normalizePass(code string) string {
	folded := width.Fold.String(norm.NFKC.String(code))
	// Casers carry state and must not be shared across goroutines.
	upper := cases.Upper(language.Und).String(folded)
	// Composing after whitespace removal joins combining marks left behind by
	// decomposed spacing diacritics to the letter before them.
	composed := norm.NFKC.String(stripSpace(upper))

	var b strings.Builder
	b.Grow(len(composed))
	for _, r := range composed {
		if unicode.IsSpace(r) {
			continue
		}
		if canonical, ok := confusables[r]; ok {
			r = canonical
		}
		b.WriteRune(r)
	}
	return b.String()
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
