package generate

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

var (
	isolatedLetter = regexp.MustCompile(`(?:^|[^A-Z])([A-D])(?:[^A-Z]|$)`)
	anyDigit       = regexp.MustCompile(`[1-4]`)
	leadingInt     = regexp.MustCompile(`\d+`)
)

// choiceAnswer converts a model-written answer such as "2", "B",
// "Option B", "选项B" or "B) Mitosis" into a 1-based option index.
func choiceAnswer(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty correct answer: %w", ErrMalformedOutput)
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n >= 1 && n <= 4 {
			return n, nil
		}
		return 0, fmt.Errorf("correct answer %d out of range 1..4: %w", n, ErrMalformedOutput)
	}

	upper := strings.ToUpper(s)
	for _, prefix := range []string{"OPTION ", "选项"} {
		upper = strings.TrimPrefix(upper, prefix)
	}
	if len(upper) == 1 && upper[0] >= 'A' && upper[0] <= 'D' {
		return int(upper[0]-'A') + 1, nil
	}

	if m := isolatedLetter.FindStringSubmatch(strings.ToUpper(s)); m != nil {
		slog.Debug("extracted option letter", "raw", raw, "letter", m[1])
		return int(m[1][0]-'A') + 1, nil
	}
	if m := anyDigit.FindString(s); m != "" {
		slog.Debug("extracted option number", "raw", raw, "number", m)
		return int(m[0] - '0'), nil
	}
	return 0, fmt.Errorf("unrecognized correct answer %q: %w", raw, ErrMalformedOutput)
}

var (
	trueWords  = map[string]bool{"true": true, "t": true, "yes": true, "y": true, "1": true, "正确": true, "是": true, "对": true}
	falseWords = map[string]bool{"false": true, "f": true, "no": true, "n": true, "0": true, "错误": true, "否": true, "错": true}
)

// trueFalseAnswer converts a model-written answer into 1 (True) or 2 (False).
func trueFalseAnswer(raw string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case trueWords[s]:
		return 1, nil
	case falseWords[s]:
		return 2, nil
	case strings.Contains(s, "true") || strings.Contains(s, "正确"):
		return 1, nil
	case strings.Contains(s, "false") || strings.Contains(s, "错误"):
		return 2, nil
	}
	return 0, fmt.Errorf("unrecognized true/false answer %q: %w", raw, ErrMalformedOutput)
}

// rubricWeight reads the first integer in raw, such as "3" or "3 points".
func rubricWeight(raw string) (int, error) {
	m := leadingInt.FindString(raw)
	if m == "" {
		return 0, fmt.Errorf("rubric weight %q is not a number: %w", raw, ErrMalformedOutput)
	}
	return strconv.Atoi(m)
}
