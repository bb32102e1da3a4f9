package catalog

import (
	"strings"
	"unicode"
)

// Score 计算查询与文本的简单相关度：整句命中 +5，每个词命中 +2，
// 每个命中的汉字 +1。
func Score(content, query string) int {
	content = strings.ToLower(content)
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return 0
	}

	score := 0
	if strings.Contains(content, query) {
		score += 5
	}
	terms := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, term := range terms {
		if len([]rune(term)) < 2 {
			continue
		}
		if strings.Contains(content, term) {
			score += 2
		}
	}
	seen := make(map[rune]struct{})
	for _, r := range query {
		if !unicode.Is(unicode.Han, r) {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		if strings.ContainsRune(content, r) {
			score++
		}
	}
	return score
}
