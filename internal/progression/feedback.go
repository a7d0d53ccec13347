package progression

import (
	"fmt"

	"github.com/ashureev/studypartner/internal/domain"
)

const allCompletedSuffix = "\n\n🎉 すべての類似問題が完了しました！お疲れ様でした！"

func stepFeedback(s *domain.Step, correct bool) string {
	if correct {
		return fmt.Sprintf("✅ 正解です！\n\n💡 %s", s.Explanation)
	}
	return fmt.Sprintf("❌ 正解は %s です。\n\n💡 %s", s.CorrectAnswer, s.Explanation)
}

func confirmationFeedback(p *domain.Problem, correct bool) string {
	if correct {
		return fmt.Sprintf("✅ 確認問題正解！\n\n🚀 次は類似問題にチャレンジしましょう！\n\n💡 %s", p.Explanation)
	}
	return fmt.Sprintf("❌ 正解は %s です。\n\n💡 %s", p.DisplayAnswer(), p.Explanation)
}

func similarFeedback(p *domain.Problem, number int, correct bool) string {
	switch {
	case correct:
		return fmt.Sprintf("✅ 類似問題%d正解！\n\n💡 %s", number, p.Explanation)
	case p.Type == domain.AnswerInput:
		return fmt.Sprintf("❌ 正解例: %s\n\n💡 %s", p.DisplayAnswer(), p.Explanation)
	default:
		return fmt.Sprintf("❌ 正解は %s です。\n\n💡 %s", p.CorrectAnswer, p.Explanation)
	}
}
