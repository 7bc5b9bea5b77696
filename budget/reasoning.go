package budget

import "strings"

var reasoningClosers = []string{":</think>", "</think>"}

// StripReasoning drops everything up to the last reasoning close marker and
// trims surrounding whitespace.
func StripReasoning(text string) string {
	for _, closer := range reasoningClosers {
		if idx := strings.LastIndex(text, closer); idx >= 0 {
			return strings.TrimSpace(text[idx+len(closer):])
		}
	}
	return strings.TrimSpace(text)
}
