package captioner

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Finalize turns decoded model text into a display sentence: trimmed, first
// letter upper case with the rest lower case, and exactly one trailing period.
func Finalize(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimRightFunc(text, func(r rune) bool {
		return r == '.' || unicode.IsSpace(r)
	})
	if text == "" {
		return "", fmt.Errorf("%w: model produced an empty caption", ErrInferenceFailed)
	}

	first, size := utf8.DecodeRuneInString(text)
	return string(unicode.ToUpper(first)) + strings.ToLower(text[size:]) + ".", nil
}
