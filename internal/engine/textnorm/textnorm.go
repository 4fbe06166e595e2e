// Package textnorm folds Arabic and Latin utterances into a canonical form
// for pattern matching, keeping a map back to the original text.
package textnorm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const tatweel = 'ـ'

// Text is a normalized utterance. Byte offsets into Normalized can be mapped
// back to Original with Slice.
type Text struct {
	Original   string
	Normalized string
	spans      []span
}

type span struct {
	start, end int
}

// Normalize canonicalizes to NFC, strips diacritics and tatweel, folds alef,
// yaa and taa marbuta variants, maps Arabic-Indic digits to ASCII, collapses
// whitespace and lowercases.
func Normalize(s string) Text {
	src := norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(src))
	spans := make([]span, 0, len(src))
	pendingSpace := false

	for i, r := range src {
		_, size := utf8.DecodeRuneInString(src[i:])
		if unicode.IsSpace(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		folded, keep := foldRune(r)
		if !keep {
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			spans = append(spans, span{i, i})
			pendingSpace = false
		}
		n, _ := b.WriteRune(folded)
		for k := 0; k < n; k++ {
			spans = append(spans, span{i, i + size})
		}
	}

	return Text{Original: src, Normalized: b.String(), spans: spans}
}

// Fold returns only the normalized form.
func Fold(s string) string {
	return Normalize(s).Normalized
}

// Slice maps the normalized byte range [start, end) back to the original
// text. Out-of-range input returns the normalized substring as is.
func (t Text) Slice(start, end int) string {
	if start < 0 || end > len(t.spans) || start >= end {
		if start >= 0 && end <= len(t.Normalized) && start <= end {
			return t.Normalized[start:end]
		}
		return ""
	}
	from := t.spans[start].start
	to := t.spans[end-1].end
	if to <= from {
		return ""
	}
	return strings.TrimSpace(t.Original[from:to])
}

func foldRune(r rune) (rune, bool) {
	switch {
	case r >= 0x064B && r <= 0x065F, r == 0x0670, r == tatweel:
		return 0, false
	case r == 'أ', r == 'إ', r == 'آ':
		return 'ا', true
	case r == 'ى':
		return 'ي', true
	case r == 'ة':
		return 'ه', true
	case r >= '٠' && r <= '٩':
		return '0' + (r - '٠'), true
	case r >= '۰' && r <= '۹':
		return '0' + (r - '۰'), true
	case unicode.IsControl(r):
		return 0, false
	}
	return unicode.ToLower(r), true
}
