package core

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// foldGroups lists every accented Vietnamese lowercase letter under the ASCII
// letter it folds to.  Uppercase forms are derived when the table is built.
var foldGroups = map[rune]string{
	'a': "àáảãạăằắẳẵặâầấẩẫậ",
	'e': "èéẻẽẹêềếểễệ",
	'i': "ìíỉĩị",
	'o': "òóỏõọôồốổỗộơờớởỡợ",
	'u': "ùúủũụưừứửữự",
	'y': "ỳýỷỹỵ",
	'd': "đ",
}

// foldTable is immutable after package initialisation.
var foldTable = buildFoldTable()

func buildFoldTable() map[rune]rune {
	t := make(map[rune]rune, 160)
	for base, letters := range foldGroups {
		for _, r := range letters {
			t[r] = base
			t[unicode.ToUpper(r)] = base
		}
	}
	return t
}

// Normalize lowercases s and folds Vietnamese diacritics to ASCII.  Runes not
// present in the table are lowercased and otherwise left unchanged, except
// combining marks which are dropped.  The
// result is used for matching only and is never shown to the patient.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if f, ok := foldTable[r]; ok {
			b.WriteRune(f)
			continue
		}
		// Decomposed input carries tone marks as separate combining runes.
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// lowerAccented lowercases s in composed form, keeping its diacritics.
func lowerAccented(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

// accentedInput reports whether the patient typed any Vietnamese diacritics.
// Folded comparisons are the only option for plain ASCII input.
func accentedInput(s string) bool {
	return lowerAccented(s) != Normalize(s)
}

// containsTerm reports whether term occurs in text on word boundaries.  Both
// arguments must already be normalized.
func containsTerm(text, term string) bool {
	if term == "" {
		return false
	}
	for from := 0; from <= len(text)-len(term); {
		i := strings.Index(text[from:], term)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(term)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		from = start + 1
	}
	return false
}

// containsAnyTerm returns the first term found in text, or "".
func containsAnyTerm(text string, terms ...string) string {
	for _, t := range terms {
		if containsTerm(text, t) {
			return t
		}
	}
	return ""
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// cleanText collapses runs of whitespace and trims the message.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
