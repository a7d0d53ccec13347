package essay

import (
	"slices"
	"strings"
	"unicode/utf8"
)

// phraseSet matches a message that contains any of its phrases.
type phraseSet []string

func (p phraseSet) in(msg string) bool {
	return slices.ContainsFunc(p, func(ph string) bool { return strings.Contains(msg, ph) })
}

var (
	confirmPhrases    = phraseSet{"確認完了", "これで完了"}
	correctionPhrases = phraseSet{"修正完了"}
	readPhrases       = phraseSet{"読んだ", "読みました"}
	donePhrases       = phraseSet{"次へ", "完了"}
	cardPhrases       = phraseSet{"学習記録カード生成", "カード生成", "完了"}
	skipPhrases       = phraseSet{"パス", "pass"}
)

const (
	introAnswerMin = 100
	vocabAnswerMin = 10
	correctionMin  = 10
	shortEssayMin  = 150
)

// isAck reports a bare acknowledgement: "ok" on its own, or a message
// containing はい.
func isAck(msg string) bool {
	return strings.EqualFold(strings.TrimSpace(msg), "ok") || strings.Contains(msg, "はい")
}

// mentionsAck is the looser check used to keep acknowledgements from being
// read as answers.
func mentionsAck(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "ok") || strings.Contains(msg, "はい")
}

func isSkip(msg string) bool {
	return skipPhrases.in(strings.ToLower(msg))
}

// isDone matches 次へ or a bare 完了 that is not part of the confirm or
// correction phrases.
func isDone(msg string) bool {
	if confirmPhrases.in(msg) || correctionPhrases.in(msg) {
		return false
	}
	return donePhrases.in(msg)
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func excerpt(s string, n int) string {
	if runeLen(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
