package executor

import (
	"strings"
	"unicode"
)

const placeholderDomain = "company.local"

var arabicLatin = map[rune]string{
	'ا': "a", 'أ': "a", 'إ': "e", 'آ': "a", 'ب': "b", 'ت': "t", 'ث': "th",
	'ج': "j", 'ح': "h", 'خ': "kh", 'د': "d", 'ذ': "th", 'ر': "r", 'ز': "z",
	'س': "s", 'ش': "sh", 'ص': "s", 'ض': "d", 'ط': "t", 'ظ': "z", 'ع': "a",
	'غ': "gh", 'ف': "f", 'ق': "q", 'ك': "k", 'ل': "l", 'م': "m", 'ن': "n",
	'ه': "h", 'و': "w", 'ي': "y", 'ى': "a", 'ة': "a", 'ئ': "e", 'ؤ': "o",
}

// transliterate renders a name in lowercase ASCII letters and digits. Names
// with nothing transliterable become fallback.
func transliterate(name, fallback string) string {
	var b strings.Builder
	for _, r := range name {
		if s, ok := arabicLatin[r]; ok {
			b.WriteString(s)
			continue
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}

// placeholderEmail builds a unique address from the transliterated name and
// the first block of the record id.
func placeholderEmail(first, last, id string) string {
	suffix := id
	if i := strings.IndexByte(id, '-'); i > 0 {
		suffix = id[:i]
	}
	return transliterate(first, "user") + "." + transliterate(last, "user") + "." + suffix + "@" + placeholderDomain
}
