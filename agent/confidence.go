package agent

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hupe1980/agentrelay/core"
)

// Scorer maps a completion to a confidence in [0,1]. Confidence is a tunable
// heuristic used for fallback decisions. It does not measure correctness.
type Scorer func(req core.Request, content string) float64

var hedgingPhrases = []string{
	"i'm not sure",
	"i am not sure",
	"i don't know",
	"i do not know",
	"i can't",
	"i cannot",
	"unable to",
	"not certain",
	"might not be accurate",
	"as an ai",
}

// BaseConfidence starts at 0.8 and subtracts penalties for empty or very
// short text and for each hedging phrase found.
func BaseConfidence(content string) float64 {
	text := strings.TrimSpace(content)
	if text == "" {
		return 0
	}
	score := 0.8
	switch n := utf8.RuneCountInString(text); {
	case n < 20:
		score -= 0.3
	case n < 50:
		score -= 0.1
	}
	lower := strings.ToLower(text)
	for _, p := range hedgingPhrases {
		if strings.Contains(lower, p) {
			score -= 0.15
		}
	}
	return core.ClampConfidence(score)
}

// HasCodeBlock reports whether s contains a fenced code block.
func HasCodeBlock(s string) bool {
	i := strings.Index(s, "```")
	return i >= 0 && strings.Contains(s[i+3:], "```")
}

// HasList reports whether s contains a bulleted or numbered list line.
func HasList(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
			return true
		}
		digits := strings.TrimLeftFunc(line, unicode.IsDigit)
		if len(digits) < len(line) && strings.HasPrefix(digits, ". ") {
			return true
		}
	}
	return false
}

func conversationalScore(_ core.Request, content string) float64 {
	return BaseConfidence(content)
}

func technicalScore(_ core.Request, content string) float64 {
	score := BaseConfidence(content)
	if score == 0 {
		return 0
	}
	if HasCodeBlock(content) {
		score += 0.1
	}
	if HasList(content) {
		score += 0.05
	}
	return min(score, 0.95)
}

func creativeScore(_ core.Request, content string) float64 {
	score := BaseConfidence(content)
	if utf8.RuneCountInString(content) > 200 {
		score += 0.05
	}
	return core.ClampConfidence(score)
}
