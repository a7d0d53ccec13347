package essay

import (
	"fmt"

	"github.com/ashureev/studypartner/internal/llm"
)

func levelLabel(level string) string {
	switch level {
	case "high_school":
		return "高校生"
	case "vocational":
		return "専門学校生"
	case "working_adult":
		return "社会人"
	default:
		return "大学受験生"
	}
}

func styleLabel(style string) string {
	switch style {
	case "example":
		return "例文・事例重視"
	case "explanation":
		return "解説重視"
	case "points":
		return "要点重視"
	default:
		return "バランス型"
	}
}

func themeStyleInstruction(style string) string {
	switch style {
	case "example":
		return "- 具体的な事例を多く含める（歴史的事例、現代の事例など）\n- 解説は簡潔に、事例を中心に構成"
	case "explanation":
		return "- 理論的な説明を詳しく含める\n- 概念の定義や背景を丁寧に説明\n- 因果関係や論理展開を明確に"
	default:
		return "- 事例と解説をバランスよく含める\n- 理解しやすさを重視"
	}
}

func questionStyleInstruction(style string) string {
	switch style {
	case "example":
		return "- 質問1と2では具体例を挙げて答えやすい形式にする"
	case "explanation":
		return "- 理論的な理解を問う質問を重視する"
	default:
		return "- 理解度確認と意見表明のバランスを取る"
	}
}

func aiThemePrompt(level, style string) string {
	return fmt.Sprintf(`あなたは小論文の先生です。対象レベルに応じた最適なテーマを選択し、そのテーマについての読み物を作成してください。

対象レベル: %s
学習スタイル: %s

要求:
- 小論文の題材として適切で、議論の余地があるテーマを選ぶ
- 読み物は600〜900字程度
%s

出力はJSONで、titleにテーマ名（30文字未満）、contentに読み物本文を入れてください。`, levelLabel(level), styleLabel(style), themeStyleInstruction(style))
}

func themeContentPrompt(theme, level, style string) string {
	return fmt.Sprintf(`あなたは小論文の先生です。「%s」というテーマについて、生徒が小論文を書くための読み物を作成してください。

対象レベル: %s
学習スタイル: %s

要求:
- 600〜900字程度
%s

読み物は、以下の質問に答えられる内容にしてください：
1. %sの基本的な概念や定義について
2. %sに関する現代社会における問題点や課題
3. %sについて、自分自身の考えや意見

これらの質問に答えるための十分な情報を含めてください。`, theme, levelLabel(level), styleLabel(style), themeStyleInstruction(style), theme, theme, theme)
}

func questionsPrompt(theme, content, level, style string) string {
	return fmt.Sprintf(`あなたは小論文の先生です。生徒に以下の読み物を読んでもらいました。その理解度を確認するための質問を3つ作成してください。

テーマ: %s

読み物の内容:
%s

対象レベル: %s
学習スタイル: %s

要求:
- 質問1: 読み物で説明されている基本的な概念や定義を問う
- 質問2: 読み物で述べられている問題点や影響、背景を問う
- 質問3: テーマについての自分自身の考えや意見を問う
%s
- 番号付きリスト形式で出力（1. 2. 3.）
- 質問のみで説明は不要`, theme, content, levelLabel(level), styleLabel(style), questionStyleInstruction(style))
}

func modelAnswerPrompt(theme, content string) string {
	return fmt.Sprintf(`あなたは小論文の先生です。生徒が「パス」を選択したので、読み物の内容に基づいた模範解答を提供してください。

テーマ: %s

読み物の内容:
%s

生徒への質問:
1. %sの基本的な概念や定義について
2. %sに関する現代社会における問題点や課題
3. %sについて、自分自身の考えや意見

要求:
- 3つの質問すべてに「です・ます」調で2〜3文ずつ答える
- 番号付きリストで出力し、先頭に【模範解答】と書く
- 解答のみで説明は不要`, theme, content, theme, theme, theme)
}

func reviewPrompt(theme, criteria string) string {
	return fmt.Sprintf(`あなたは小論文の先生です。生徒の文章を添削してください。

テーマ: %s

【評価基準】
%s

goodPoints, improvements, nextStepsはそれぞれ2〜3項目、exampleImprovementには実際の文章から1箇所を選んだ改善例、overallScoreは0〜100の整数で返してください。
生徒を励ましつつ、実践的なアドバイスを心がけてください。`, theme, criteria)
}

const (
	answerCriteria = "- 質問への適切な回答\n- 文章の明確さと論理性\n- 小論文らしい丁寧な文体\n- 具体性と説得力"
	essayCriteria  = "- 論理構成（主張→理由→具体例→結論）\n- 文章の明確さと説得力\n- 語彙の適切さ\n- 文字数（目標: %d字前後）"
	longCriteria   = "- 序論・本論・結論の構成\n- 主張の明確さと根拠の妥当性\n- 具体例の適切さ\n- 文字数（目標: %s）"
)

func vocabPrompt(level string) string {
	return fmt.Sprintf(`あなたは小論文の先生です。口語表現を小論文風の表現に言い換える練習問題を5つ作成してください。

対象レベル: %s

要求:
- よく使う口語表現を含むフレーズを5つ選ぶ
- 口語表現は単独ではなく、フレーズとして出題すること

出力形式（この形式を厳守）：
【模範解答】
1. 「口語表現を含むフレーズ1」→「小論文風の表現1」または「別の表現1」
2. 「口語表現を含むフレーズ2」→「小論文風の表現2」または「別の表現2」
3. 「口語表現を含むフレーズ3」→「小論文風の表現3」または「別の表現3」
4. 「口語表現を含むフレーズ4」→「小論文風の表現4」または「別の表現4」
5. 「口語表現を含むフレーズ5」→「小論文風の表現5」または「別の表現5」`, levelLabel(level))
}

func shortProblemPrompt(theme, level, chars string) string {
	return fmt.Sprintf(`あなたは小論文の先生です。「%s」について、%s程度で書ける短文小論文の課題を1つ作成してください。

対象レベル: %s

要求:
- 問題文は1〜2文
- 「〜について、%s程度で小論文を書いてください。」の形で終える
- 問題文のみを出力`, theme, chars, levelLabel(level), chars)
}

func shortModelAnswerPrompt(problem, chars string) string {
	return fmt.Sprintf(`あなたは小論文の先生です。次の課題に対する%s程度の解答例を、主張→理由→具体例→結論の構成で書いてください。

課題: %s

先頭に【解答例】と書き、解答のみを出力してください。`, chars, problem)
}

func mainProblemPrompt(theme, level, chars string) string {
	return fmt.Sprintf(`あなたは小論文の先生です。以下のテーマについて、本格的で具体的な小論文問題を作成してください。

テーマ: %s
対象レベル: %s
文字数: %s

要求:
- 問題文は具体的な状況や論点を含める
- 賛否が分かれるテーマ、または多面的な思考が必要な問題
- 「あなたの考えを述べなさい」で締める
- 問題文のみ（条件や説明は不要）
- 60文字以上150文字以内`, theme, levelLabel(level), chars)
}

func challengePrompt(theme, level, chars string) string {
	return fmt.Sprintf(`あなたは小論文の先生です。「%s」に関連し、本練習より難易度の高いチャレンジ問題を1つ作成してください。

対象レベル: %s
文字数: %s

要求:
- 現代社会の課題に関連する問題
- 問題文は1〜2文で簡潔に
- 「〜について、あなたの考えを述べなさい」という形式で終わる
- 賛否両論があるテーマを選ぶ
- 問題文のみを出力`, theme, levelLabel(level), chars)
}

const ocrPrompt = `あなたは手書き原稿用紙のOCR専門家です。画像から手書きの日本語テキストを正確に読み取ってください。
readableは読み取れたかどうか、readabilityScoreは0〜100の読みやすさ、textは読み取った本文、charCountは本文の文字数、issuesは読み取り上の問題点です。`

var themeSchema = &llm.Schema{
	Name:        "essay-theme",
	Description: "Essay theme title and reading material",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":   map[string]any{"type": "string", "minLength": 1},
			"content": map[string]any{"type": "string", "minLength": 1},
		},
		"required":             []any{"title", "content"},
		"additionalProperties": false,
	},
}

var reviewSchema = &llm.Schema{
	Name:        "essay-review",
	Description: "Essay review with praise, improvements and a score",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"goodPoints":         stringArray(),
			"improvements":       stringArray(),
			"exampleImprovement": map[string]any{"type": "string"},
			"nextSteps":          stringArray(),
			"overallScore":       map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
		},
		"required":             []any{"goodPoints", "improvements", "exampleImprovement", "nextSteps", "overallScore"},
		"additionalProperties": false,
	},
}

var ocrSchema = &llm.Schema{
	Name:        "essay-ocr",
	Description: "Text read from a handwritten manuscript",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"readable":         map[string]any{"type": "boolean"},
			"readabilityScore": map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
			"text":             map[string]any{"type": "string"},
			"charCount":        map[string]any{"type": "integer", "minimum": 0},
			"issues":           stringArray(),
		},
		"required":             []any{"readable", "readabilityScore", "text", "charCount", "issues"},
		"additionalProperties": false,
	},
}

func stringArray() map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
}
