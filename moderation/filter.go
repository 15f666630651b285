// Package moderation filters chat text before it is stored or broadcast.
// Filtering is a pure function over the raw text so it can sit on the
// message pipeline's hot path without side effects.
package moderation

import "strings"

// blockedWords are masked wherever they appear as standalone words,
// case-insensitively. The list is deliberately small; moderation policy
// here is "take the edge off", not full profanity detection.
var blockedWords = []string{
	"damn",
	"hell",
	"crap",
	"ass",
	"bastard",
	"bitch",
	"shit",
	"fuck",
}

// Result is the outcome of filtering one message.
type Result struct {
	Text     string // moderated text
	Original string // raw input, set only when Filtered
	Filtered bool
}

// Filter masks blocked words in text. Word boundaries are any
// non-alphanumeric rune, so "damn!" is masked but "hello" is untouched by
// the "hell" entry.
func Filter(text string) Result {
	if text == "" {
		return Result{Text: text}
	}
	out := []rune(text)
	lower := []rune(strings.ToLower(text))
	changed := false
	for _, w := range blockedWords {
		word := []rune(w)
		for i := 0; i+len(word) <= len(lower); i++ {
			if !matchAt(lower, word, i) {
				continue
			}
			for j := i; j < i+len(word); j++ {
				out[j] = '*'
			}
			changed = true
			i += len(word) - 1
		}
	}
	if !changed {
		return Result{Text: text}
	}
	return Result{Text: string(out), Original: text, Filtered: true}
}

// matchAt reports whether word occurs at position i in text on word
// boundaries.
func matchAt(text, word []rune, i int) bool {
	for j, r := range word {
		if text[i+j] != r {
			return false
		}
	}
	if i > 0 && isWordRune(text[i-1]) {
		return false
	}
	if end := i + len(word); end < len(text) && isWordRune(text[end]) {
		return false
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
