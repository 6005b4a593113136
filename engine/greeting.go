package engine

import (
	"regexp"
	"strings"
)

func DefaultGreetings() []string {
	return []string{
		"よろしく",
		"お願いします",
		"本日は",
		"ありがとうございます",
		"失礼",
		"nice to meet you",
		"thank you for",
	}
}

// greetingPattern matches any of the phrases literally, ignoring case.
// It returns nil when there is nothing to match.
func greetingPattern(phrases []string) *regexp.Regexp {
	quoted := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.TrimSpace(p); p != "" {
			quoted = append(quoted, regexp.QuoteMeta(p))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)(?:` + strings.Join(quoted, "|") + `)`)
}
