package render

import (
	"regexp"
	"strconv"
)

// Pattern は出力行から現在位置を取り出す認識パターンです。最初のキャプチャを整数として扱います。
type Pattern struct {
	Name string
	Expr *regexp.Regexp
}

// Matcher は順序付きのパターン列で、最初に一致したものを採用します。
type Matcher struct {
	patterns []Pattern
}

// DefaultPatterns は melt の出力形式に合わせた既定の認識パターンです。
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "current_position", Expr: regexp.MustCompile(`(?i)current\s+position:\s*(\d+)`)},
		{Name: "position", Expr: regexp.MustCompile(`(?i)position:\s*(\d+)`)},
		{Name: "frame", Expr: regexp.MustCompile(`(?i)frame:\s*(\d+)`)},
		{Name: "frames", Expr: regexp.MustCompile(`(?i)(\d+)\s+frames\b`)},
	}
}

// NewMatcher は Matcher を作成します。patterns が空なら DefaultPatterns を使います。
func NewMatcher(patterns ...Pattern) *Matcher {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &Matcher{patterns: patterns}
}

// Match は行に一致した最初のパターンの値を返します。一致しない行は無視されます。
func (m *Matcher) Match(line string) (int, bool) {
	for _, p := range m.patterns {
		sub := p.Expr.FindStringSubmatch(line)
		if len(sub) < 2 {
			continue
		}
		v, err := strconv.Atoi(sub[1])
		if err != nil || v < 0 {
			continue
		}
		return v, true
	}
	return 0, false
}
