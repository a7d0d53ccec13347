package essay

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ashureev/studypartner/internal/domain"
	"github.com/ashureev/studypartner/internal/library"
	"github.com/ashureev/studypartner/internal/llm"
)

const (
	minThemeContent = 50
	minQuestions    = 20
	minModelAnswer  = 50
	minProblem      = 10
)

func (e *Engine) complete(ctx context.Context, purpose string, p llm.Prompt) (string, error) {
	if e.completer == nil {
		return "", errNoCompleter
	}
	return e.completer.Complete(llm.WithPurpose(ctx, purpose), p)
}

func (e *Engine) completeJSON(ctx context.Context, purpose string, p llm.Prompt, out any) error {
	if e.completer == nil {
		return errNoCompleter
	}
	return e.completer.CompleteJSON(llm.WithPurpose(ctx, purpose), p, out)
}

// completeText returns the completion when it is at least minRunes long.
func (e *Engine) completeText(ctx context.Context, purpose string, p llm.Prompt, minRunes int) (string, bool) {
	text, err := e.complete(ctx, purpose, p)
	if err != nil {
		e.fellBack(purpose, err)
		return "", false
	}
	if runeLen(text) <= minRunes {
		e.fellBack(purpose, fmt.Errorf("completion too short: %d runes", runeLen(text)))
		return "", false
	}
	return text, true
}

func (e *Engine) fellBack(site string, err error) {
	e.metrics.Fallback(site)
	slog.Warn("Completion unavailable, using template", "call_site", site, "error", err)
}

// themeTitle is the best available name for the lesson theme.
func themeTitle(es *domain.EssayState, fallback string) string {
	switch {
	case es.LastThemeTitle != "":
		return es.LastThemeTitle
	case es.CustomInput != "":
		return es.CustomInput
	default:
		return fallback
	}
}

var problemTopic = regexp.MustCompile(`(.{1,20}?)について`)

// ensureTheme returns the stored theme, building and storing one on es when
// none exists yet. Only an AI-mode session without custom input can fail.
func (e *Engine) ensureTheme(ctx context.Context, es *domain.EssayState) error {
	if es.LastThemeTitle != "" && es.LastThemeContent != "" {
		return nil
	}

	switch es.ProblemMode {
	case domain.ProblemModeProblem:
		title := excerpt(es.CustomInput, 20)
		if m := problemTopic.FindStringSubmatch(es.CustomInput); m != nil {
			title = m[1]
		}
		es.LastThemeTitle = title
		es.LastThemeContent = e.catalog.Render("problem_theme_content", map[string]any{"Excerpt": excerpt(es.CustomInput, 150)})
		return nil

	case domain.ProblemModeTheme:
		content, ok := e.completeText(ctx, llm.PurposeTheme, llm.Prompt{
			System:      themeContentPrompt(es.CustomInput, es.TargetLevel, es.LearningStyle),
			User:        "読み物を作成してください。",
			MaxTokens:   1500,
			Temperature: 0.7,
		}, minThemeContent)
		if !ok {
			content = e.catalog.Render("theme_content_fallback", map[string]any{"Theme": es.CustomInput})
		}
		es.LastThemeTitle = es.CustomInput
		es.LastThemeContent = content
		return nil
	}

	var out struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	err := e.completeJSON(ctx, llm.PurposeTheme, llm.Prompt{
		System:      aiThemePrompt(es.TargetLevel, es.LearningStyle),
		User:        "テーマと読み物を作成してください。",
		Schema:      themeSchema,
		MaxTokens:   2000,
		Temperature: 0.9,
	}, &out)
	if err == nil && strings.TrimSpace(out.Title) != "" && runeLen(out.Content) > minThemeContent {
		es.LastThemeTitle = strings.TrimSpace(out.Title)
		es.LastThemeContent = strings.TrimSpace(out.Content)
		return nil
	}
	if err == nil {
		err = fmt.Errorf("theme completion incomplete")
	}
	if es.CustomInput == "" {
		return domain.UpstreamGeneration("generate theme", err)
	}
	e.fellBack(llm.PurposeTheme, err)
	es.LastThemeTitle = es.CustomInput
	es.LastThemeContent = e.catalog.Render("theme_content_fallback", map[string]any{"Theme": es.CustomInput})
	return nil
}

func (e *Engine) comprehensionQuestions(ctx context.Context, es *domain.EssayState) string {
	if es.ProblemMode == domain.ProblemModeProblem && es.CustomInput != "" {
		return e.catalog.Render("problem_questions", map[string]any{"Excerpt": excerpt(es.CustomInput, 200)})
	}
	title := themeTitle(es, "テーマ")
	if q, ok := e.completeText(ctx, llm.PurposeQuestions, llm.Prompt{
		System:      questionsPrompt(title, es.LastThemeContent, es.TargetLevel, es.LearningStyle),
		User:        "質問を3つ生成してください。",
		MaxTokens:   500,
		Temperature: 0.7,
	}, minQuestions); ok {
		return q
	}
	return e.catalog.Render("questions_fallback", map[string]any{"Theme": title})
}

func (e *Engine) modelAnswer(ctx context.Context, es *domain.EssayState) string {
	title := themeTitle(es, "このテーマ")
	fallback := e.catalog.Render("model_answer_fallback", map[string]any{"Theme": title})
	if es.LastThemeContent == "" {
		e.fellBack(llm.PurposeModelAnswer, fmt.Errorf("no reading material stored"))
		return fallback
	}
	if answer, ok := e.completeText(ctx, llm.PurposeModelAnswer, llm.Prompt{
		System:      modelAnswerPrompt(title, es.LastThemeContent),
		User:        "模範解答を生成してください。",
		MaxTokens:   800,
		Temperature: 0.7,
	}, minModelAnswer); ok {
		return answer
	}
	return fallback
}

type reviewResult struct {
	GoodPoints         []string `json:"goodPoints"`
	Improvements       []string `json:"improvements"`
	ExampleImprovement string   `json:"exampleImprovement"`
	NextSteps          []string `json:"nextSteps"`
	OverallScore       *int     `json:"overallScore"`
}

// review asks for a structured review of text. Missing fields take the
// catalog defaults; a failed completion yields the catalog fallback review
// with IsFallback set.
func (e *Engine) review(ctx context.Context, system, text string, step int) domain.Feedback {
	fb := domain.Feedback{Step: step, CharCount: runeLen(text), CreatedAt: e.now()}

	var out reviewResult
	err := e.completeJSON(ctx, llm.PurposeAnswerReview, llm.Prompt{
		System:      system,
		User:        fmt.Sprintf("以下の文章を添削してください。\n\n【生徒の文章】\n%s\n\n【文字数】%d字", text, fb.CharCount),
		Schema:      reviewSchema,
		MaxTokens:   1000,
		Temperature: 0.7,
	}, &out)
	if err != nil {
		e.fellBack(llm.PurposeAnswerReview, err)
		f := e.catalog.feedbackFallback
		fb.GoodPoints = clone(f.GoodPoints)
		fb.Improvements = clone(f.Improvements)
		fb.ExampleImprovement = f.ExampleImprovement
		fb.NextSteps = clone(f.NextSteps)
		fb.OverallScore = f.OverallScore
		fb.IsFallback = true
		return fb
	}

	d := e.catalog.feedbackDefaults
	fb.GoodPoints = orDefault(out.GoodPoints, d.GoodPoints)
	fb.Improvements = orDefault(out.Improvements, d.Improvements)
	fb.NextSteps = orDefault(out.NextSteps, d.NextSteps)
	fb.ExampleImprovement = strings.TrimSpace(out.ExampleImprovement)
	if fb.ExampleImprovement == "" {
		fb.ExampleImprovement = d.ExampleImprovement
	}
	fb.OverallScore = d.OverallScore
	if out.OverallScore != nil {
		fb.OverallScore = min(max(*out.OverallScore, 0), 100)
	}
	return fb
}

func (e *Engine) reviewManuscript(ctx context.Context, es *domain.EssayState, ocr *domain.OCRResult) domain.Feedback {
	system := reviewPrompt(themeTitle(es, "テーマ"), answerCriteria)
	switch ocr.Step {
	case 3:
		system = reviewPrompt(themeTitle(es, "テーマ"), fmt.Sprintf(essayCriteria, shortEssayTarget(es, ocr.Step)))
	case 4:
		system = reviewPrompt(orString(es.MainProblem, themeTitle(es, "テーマ")), fmt.Sprintf(longCriteria, mainChars(es.TargetLevel)))
	case 5:
		system = reviewPrompt(orString(es.ChallengeProblem, themeTitle(es, "テーマ")), fmt.Sprintf(longCriteria, challengeChars(es.TargetLevel)))
	}
	fb := e.review(ctx, system, ocr.Text, ocr.Step)
	if ocr.CharCount > 0 {
		fb.CharCount = ocr.CharCount
	}
	return fb
}

func (e *Engine) readManuscript(ctx context.Context, imageData string) *domain.OCRResult {
	var out struct {
		Readable         bool     `json:"readable"`
		ReadabilityScore int      `json:"readabilityScore"`
		Text             string   `json:"text"`
		CharCount        int      `json:"charCount"`
		Issues           []string `json:"issues"`
	}
	err := e.completeJSON(ctx, llm.PurposeOCR, llm.Prompt{
		System:      ocrPrompt,
		User:        "この画像から手書きの小論文を読み取ってください。読み取り可能性も評価してください。",
		Images:      []string{imageData},
		Schema:      ocrSchema,
		MaxTokens:   2000,
		Temperature: 0.3,
	}, &out)
	if err != nil {
		e.fellBack(llm.PurposeOCR, err)
		return &domain.OCRResult{Readable: false, Issues: clone(e.catalog.ocrIssues)}
	}

	text := strings.TrimSpace(out.Text)
	count := out.CharCount
	if count <= 0 {
		count = runeLen(text)
	}
	return &domain.OCRResult{
		Readable:         out.Readable,
		ReadabilityScore: min(max(out.ReadabilityScore, 0), 100),
		Text:             text,
		CharCount:        count,
		Issues:           out.Issues,
	}
}

var vocabAnswerLine = regexp.MustCompile(`^(\d+\.\s*「[^」]+」)\s*→`)

const vocabAnswersHeader = "【模範解答】"

// parseVocab splits a generated answer key into the exercise lines shown to
// the student and the stored answer key.
func parseVocab(generated string) (problems, answers, example string, ok bool) {
	_, body, found := strings.Cut(generated, vocabAnswersHeader)
	if !found {
		return "", "", "", false
	}
	body = strings.TrimSpace(body)

	var lines []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		m := vocabAnswerLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if example == "" {
			if _, rest, ok := strings.Cut(line, "."); ok {
				example = strings.TrimSpace(rest)
			}
		}
		lines = append(lines, m[1]+" → ?")
	}
	if len(lines) < 3 {
		return "", "", "", false
	}
	return strings.Join(lines, "\n"), vocabAnswersHeader + "\n" + body, example, true
}

func (e *Engine) vocabExercise(ctx context.Context, es *domain.EssayState) (problems, example string) {
	if generated, ok := e.completeText(ctx, llm.PurposeVocabExercise, llm.Prompt{
		System:      vocabPrompt(es.TargetLevel),
		User:        "語彙力強化の問題を5つ生成してください。",
		MaxTokens:   500,
		Temperature: 0.8,
	}, minQuestions); ok {
		if p, answers, ex, ok := parseVocab(generated); ok {
			es.VocabAnswers = answers
			return p, ex
		}
		e.fellBack(llm.PurposeVocabExercise, fmt.Errorf("unparsable vocabulary exercise"))
	}
	es.VocabAnswers = e.catalog.Render("vocab_answers_default", nil)
	return e.catalog.Render("vocab_problems_default", nil), "「すごく大事」→「極めて重要」"
}

func (e *Engine) shortProblem(ctx context.Context, es *domain.EssayState, chars string) string {
	if es.ProblemMode == domain.ProblemModeProblem && es.CustomInput != "" {
		return es.CustomInput
	}
	title := themeTitle(es, "環境問題")
	fallback := e.catalog.Render("short_problem_default", map[string]any{"Theme": title, "Chars": chars})
	if p, ok := e.completeText(ctx, llm.PurposeShortProblem, llm.Prompt{
		System:      shortProblemPrompt(title, es.TargetLevel, chars),
		User:        "短文小論文の課題を1つ作成してください。",
		MaxTokens:   200,
		Temperature: 0.8,
	}, minProblem); ok {
		return trimQuotes(p)
	}
	return fallback
}

func (e *Engine) shortModelAnswer(ctx context.Context, es *domain.EssayState, chars string) string {
	fallback := e.catalog.Render("short_model_answer_fallback", map[string]any{"Theme": themeTitle(es, "このテーマ")})
	if es.ShortProblem == "" {
		e.fellBack(llm.PurposeModelAnswer, fmt.Errorf("no short problem stored"))
		return fallback
	}
	if answer, ok := e.completeText(ctx, llm.PurposeModelAnswer, llm.Prompt{
		System:      shortModelAnswerPrompt(es.ShortProblem, chars),
		User:        "解答例を作成してください。",
		MaxTokens:   800,
		Temperature: 0.7,
	}, minModelAnswer); ok {
		return answer
	}
	return fallback
}

// libraryProblem is a main or challenge problem and the library entry it
// came from, if any.
type libraryProblem struct {
	Text  string
	Chars string
	ID    string
}

var charRequirement = regexp.MustCompile(`(\d+).*?字`)

func (e *Engine) mainProblem(ctx context.Context, s *domain.Session, es *domain.EssayState) libraryProblem {
	if es.ProblemMode == domain.ProblemModeProblem && es.CustomInput != "" {
		return libraryProblem{Text: es.CustomInput, Chars: charsFrom(es.CustomInput, "400〜600字")}
	}
	topic := orString(es.CustomInput, es.LastThemeTitle)
	if topic == "" {
		return libraryProblem{Text: e.catalog.Render("main_problem_default", nil), Chars: "400〜600字"}
	}
	chars := mainChars(es.TargetLevel)
	return e.acquireProblem(ctx, s, es, library.Fingerprint{Topic: topic, Level: es.TargetLevel, Difficulty: "main"},
		llm.PurposeMainProblem, mainProblemPrompt(topic, es.TargetLevel, chars), chars, "main_problem_fallback")
}

func (e *Engine) challengeProblem(ctx context.Context, s *domain.Session, es *domain.EssayState) libraryProblem {
	if es.ProblemMode == domain.ProblemModeProblem && es.CustomInput != "" {
		return libraryProblem{Text: es.CustomInput, Chars: charsFrom(es.CustomInput, "500〜800字")}
	}
	topic := themeTitle(es, "")
	if topic == "" {
		return libraryProblem{Text: e.catalog.Render("challenge_problem_default", nil), Chars: "500〜800字"}
	}
	chars := challengeChars(es.TargetLevel)
	return e.acquireProblem(ctx, s, es, library.Fingerprint{Topic: topic, Level: es.TargetLevel, Difficulty: "challenge"},
		llm.PurposeChallenge, challengePrompt(topic, es.TargetLevel, chars), chars, "challenge_problem_fallback")
}

// acquireProblem serves a problem from the library, generating and storing
// one on a miss. Any failure falls back to the named template.
func (e *Engine) acquireProblem(ctx context.Context, s *domain.Session, es *domain.EssayState, fp library.Fingerprint, purpose, system, chars, fallbackTemplate string) libraryProblem {
	fallback := libraryProblem{
		Text:  trimQuotes(e.catalog.Render(fallbackTemplate, map[string]any{"Theme": fp.Topic})),
		Chars: chars,
	}
	generate := func(library.Fingerprint) library.GeneratorFunc {
		return func(ctx context.Context) (*library.Generated, error) {
			text, err := e.complete(ctx, purpose, llm.Prompt{
				System:      system,
				User:        "小論文問題を1つ作成してください。",
				MaxTokens:   300,
				Temperature: 0.8,
			})
			if err != nil {
				return nil, err
			}
			text = trimQuotes(text)
			if runeLen(text) <= minProblem {
				return nil, fmt.Errorf("problem too short: %q", text)
			}
			return &library.Generated{Text: text, IsCurrentEvent: isCurrentEvent(fp.Topic)}, nil
		}
	}

	if e.library == nil {
		g, err := generate(fp)(ctx)
		if err != nil {
			e.fellBack(purpose, err)
			return fallback
		}
		return libraryProblem{Text: g.Text, Chars: chars}
	}

	entry, err := e.library.Acquire(ctx, fp, s.StudentID, s.ID, e.maxVariants, generate)
	if err != nil {
		e.fellBack(purpose, err)
		return fallback
	}
	return libraryProblem{Text: entry.ProblemText, Chars: chars, ID: entry.ID}
}

func isCurrentEvent(topic string) bool {
	return strings.Contains(topic, "時事") || strings.Contains(topic, "最近") || strings.Contains(topic, "現在")
}

func charsFrom(s, fallback string) string {
	if m := charRequirement.FindString(s); m != "" {
		return m
	}
	return fallback
}

func mainChars(level string) string {
	switch level {
	case "high_school":
		return "400字"
	case "vocational":
		return "500字"
	default:
		return "600字"
	}
}

func challengeChars(level string) string {
	switch level {
	case "high_school":
		return "500字"
	case "vocational":
		return "600字"
	default:
		return "800字"
	}
}

func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "「")
	s = strings.TrimSuffix(s, "」")
	return strings.TrimSpace(s)
}

func orString(s, fallback string) string {
	if strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}

func orDefault(items, defaults []string) []string {
	var out []string
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return clone(defaults)
	}
	return out
}

func clone(items []string) []string {
	return append([]string(nil), items...)
}
