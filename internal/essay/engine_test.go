package essay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/studypartner/internal/domain"
	"github.com/ashureev/studypartner/internal/library"
	"github.com/ashureev/studypartner/internal/llm"
	"github.com/ashureev/studypartner/internal/session"
	"github.com/ashureev/studypartner/internal/store"
)

const testImage = "data:image/png;base64,iVBORw0KGgo="

type fixture struct {
	store    *store.MemoryStore
	sessions *session.Cache
	provider *llm.MockProvider
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	cache := session.New(st)
	mock := llm.NewMockProvider()
	cat, err := LoadCatalog("")
	require.NoError(t, err)
	clock := func() time.Time { return time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC) }
	return &fixture{
		store:    st,
		sessions: cache,
		provider: mock,
		engine:   New(cache, llm.NewCompleter(mock), library.New(st, nil), cat, WithClock(clock)),
	}
}

func themeRequest(student string) InitRequest {
	return InitRequest{
		StudentID:    student,
		TargetLevel:  "high_school",
		LessonFormat: domain.FormatFull55Min,
		ProblemMode:  domain.ProblemModeTheme,
		CustomInput:  "環境問題",
	}
}

func (f *fixture) init(t *testing.T, req InitRequest) string {
	t.Helper()
	s, err := f.engine.InitSession(context.Background(), req)
	require.NoError(t, err)
	return s.ID
}

func (f *fixture) chat(t *testing.T, id string, step int, msg string) *ChatResponse {
	t.Helper()
	resp, err := f.engine.Chat(context.Background(), ChatRequest{SessionID: id, Message: msg, CurrentStep: step})
	require.NoError(t, err)
	return resp
}

func (f *fixture) durable(t *testing.T, id string) *domain.EssayState {
	t.Helper()
	row, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, row)
	s, err := store.DecodeSession(row)
	require.NoError(t, err)
	require.NotNil(t, s.Essay)
	return s.Essay
}

func (f *fixture) setTheme(t *testing.T, id, title, content string) {
	t.Helper()
	_, err := f.sessions.Mutate(context.Background(), id, func(s *domain.Session) error {
		s.Essay.LastThemeTitle = title
		s.Essay.LastThemeContent = content
		return nil
	})
	require.NoError(t, err)
}

func goodReview(score int) map[string]any {
	return map[string]any{
		"goodPoints":         []string{"主張が明確です。"},
		"improvements":       []string{"具体例を増やしましょう。"},
		"exampleImprovement": "例えば、地域の取り組みを挙げると説得力が増します。",
		"nextSteps":          []string{"反対意見にも触れてみましょう。"},
		"overallScore":       score,
	}
}

func readableOCR(text string) map[string]any {
	return map[string]any{
		"readable":         true,
		"readabilityScore": 90,
		"text":             text,
		"charCount":        0,
		"issues":           []string{},
	}
}

func TestInitSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id := f.init(t, themeRequest("student-1"))
	es := f.durable(t, id)
	assert.Equal(t, 1, es.CurrentStep)
	assert.Equal(t, domain.StepInProgress, es.StepStateOf(1))
	assert.Equal(t, "auto", es.LearningStyle)
}

func TestInitSessionValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		mod  func(*InitRequest)
	}{
		{"missing level", func(r *InitRequest) { r.TargetLevel = "" }},
		{"unknown format", func(r *InitRequest) { r.LessonFormat = "marathon" }},
		{"unknown mode", func(r *InitRequest) { r.ProblemMode = "random" }},
		{"theme without input", func(r *InitRequest) { r.CustomInput = "  " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := themeRequest("student-1")
			tt.mod(&req)
			_, err := f.engine.InitSession(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
}

func TestChatReadItAsksThreeQuestions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.init(t, themeRequest("student-1"))
	f.setTheme(t, id, "環境問題", "地球温暖化は私たちの生活に大きな影響を与えています。")
	f.provider.AddText("1. 地球温暖化の原因は何ですか？\n2. 生活への影響を挙げてください。\n3. あなたにできる対策は何ですか？")

	resp := f.chat(t, id, 1, "読んだ")

	assert.False(t, resp.StepCompleted)
	for _, n := range []string{"1. ", "2. ", "3. "} {
		assert.Contains(t, resp.Response, n)
	}
	assert.NotContains(t, resp.Response, "4. ")
	es := f.durable(t, id)
	assert.Equal(t, domain.StepInProgress, es.StepStateOf(1))
	assert.Len(t, es.ChatHistory, 2)
}

func TestChatConfirmAfterOCRCompletesStep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	id := f.init(t, themeRequest("student-1"))

	_, err := f.engine.UploadImage(ctx, id, 1, testImage)
	require.NoError(t, err)
	f.provider.AddJSON(readableOCR("地球温暖化の原因は温室効果ガスです。"))
	ocr, err := f.engine.RecordOCR(ctx, id, 1, "")
	require.NoError(t, err)
	assert.True(t, ocr.Readable)
	assert.Equal(t, 18, ocr.CharCount)

	f.provider.AddJSON(goodReview(82))
	resp := f.chat(t, id, 1, "確認完了")

	assert.True(t, resp.StepCompleted)
	assert.Contains(t, resp.Response, "82点")
	assert.Equal(t, domain.StepCompleted, resp.StepStatus["1"])
	es := f.durable(t, id)
	assert.Equal(t, domain.StepCompleted, es.StepStateOf(1))
	require.Len(t, es.Feedbacks, 1)
	assert.Equal(t, 82, es.Feedbacks[0].OverallScore)
}

func TestChatPendingImageTakesPrecedence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	id := f.init(t, themeRequest("student-1"))
	_, err := f.engine.UploadImage(ctx, id, 4, testImage)
	require.NoError(t, err)

	resp := f.chat(t, id, 4, "確認完了")

	assert.False(t, resp.StepCompleted)
	assert.Contains(t, resp.Response, "OCR処理を開始")
	assert.Zero(t, f.provider.CallCount())
}

// steppingClock advances one second per reading.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestChatReuploadAfterOCRWaitsForNewRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	cat, err := LoadCatalog("")
	require.NoError(t, err)
	f.engine = New(f.sessions, llm.NewCompleter(f.provider), library.New(f.store, nil), cat, WithClock(steppingClock()))
	id := f.init(t, themeRequest("student-1"))

	_, err = f.engine.UploadImage(ctx, id, 4, testImage)
	require.NoError(t, err)
	f.provider.AddJSON(readableOCR("最初の原稿です。"))
	_, err = f.engine.RecordOCR(ctx, id, 4, "")
	require.NoError(t, err)

	_, err = f.engine.UploadImage(ctx, id, 4, testImage)
	require.NoError(t, err)
	calls := f.provider.CallCount()

	resp := f.chat(t, id, 4, "確認完了")
	assert.False(t, resp.StepCompleted)
	assert.Contains(t, resp.Response, "OCR処理を開始")
	assert.Equal(t, calls, f.provider.CallCount(), "the old read is not reviewed")
	assert.Empty(t, f.durable(t, id).Feedbacks)

	f.provider.AddJSON(readableOCR("書き直した原稿です。"))
	_, err = f.engine.RecordOCR(ctx, id, 4, "")
	require.NoError(t, err)
	f.provider.AddJSON(goodReview(77))
	resp = f.chat(t, id, 4, "確認完了")
	assert.True(t, resp.StepCompleted)
	assert.Contains(t, resp.Response, "77点")
}

func TestChatConfirmWithoutOCRFallsThrough(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.init(t, themeRequest("student-1"))

	resp := f.chat(t, id, 4, "確認完了")
	assert.False(t, resp.StepCompleted)
	assert.Contains(t, resp.Response, "📷カメラボタン")

	resp = f.chat(t, id, 1, "確認完了")
	assert.False(t, resp.StepCompleted)
	assert.Contains(t, resp.Response, "回答が短すぎる")
	assert.Zero(t, f.provider.CallCount())
	assert.Empty(t, f.durable(t, id).Feedbacks)
}

func TestChatThemeFailureWithoutFallbackLeavesSessionUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.init(t, InitRequest{
		StudentID:    "student-1",
		TargetLevel:  "university",
		LessonFormat: domain.FormatFull55Min,
		ProblemMode:  domain.ProblemModeAI,
	})

	_, err := f.engine.Chat(context.Background(), ChatRequest{SessionID: id, Message: "ok", CurrentStep: 1})
	require.Error(t, err)
	assert.Equal(t, domain.KindUpstreamGeneration, domain.KindOf(err))

	es := f.durable(t, id)
	assert.Empty(t, es.ChatHistory)
	assert.Empty(t, es.LastThemeTitle)
}

func TestChatAIThemeIsStored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.init(t, InitRequest{
		StudentID:    "student-1",
		TargetLevel:  "university",
		LessonFormat: domain.FormatFull55Min,
		ProblemMode:  domain.ProblemModeAI,
	})
	content := strings.Repeat("少子高齢化は日本社会が直面する大きな課題です。", 3)
	f.provider.AddJSON(map[string]any{"title": "少子高齢化", "content": content})

	resp := f.chat(t, id, 1, "はい")

	assert.False(t, resp.StepCompleted)
	assert.Contains(t, resp.Response, "「少子高齢化」")
	es := f.durable(t, id)
	assert.Equal(t, "少子高齢化", es.LastThemeTitle)
	assert.Equal(t, content, es.LastThemeContent)

	// An existing theme is reused without another completion.
	f.chat(t, id, 1, "ok")
	assert.Equal(t, 1, f.provider.CallCount())
}

func TestChatEveryCallSiteFallsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	id := f.init(t, themeRequest("student-1"))

	longAnswer := strings.Repeat("環境問題は一人ひとりの行動から変えられると考えます。", 5)
	turns := []struct {
		step      int
		msg       string
		completed bool
		contains  string
	}{
		{1, "ok", false, "環境問題"},
		{1, "読んだ", false, "環境問題の基本的な概念"},
		{1, "パス", true, "【模範解答】"},
		{1, longAnswer, true, "素晴らしい回答ですね"},
		{2, "ok", false, "「すごく大事」→ ?"},
		{2, "パス", true, "極めて重要"},
		{3, "ok", false, "環境問題について、200字程度で小論文を書いてください。"},
		{3, "パス", true, "【解答例】"},
		{3, strings.Repeat("あ", 150), true, "短文を受け付けました"},
		{4, "ok", false, "【本練習】"},
		{5, "ok", false, "【チャレンジ問題】"},
		{5, "次へ", true, "チャレンジ問題のステップを完了"},
		{6, "カード生成", true, "学習記録"},
	}
	for _, tt := range turns {
		resp, err := f.engine.Chat(ctx, ChatRequest{SessionID: id, Message: tt.msg, CurrentStep: tt.step})
		require.NoError(t, err, "step %d %q", tt.step, tt.msg)
		assert.Equal(t, tt.completed, resp.StepCompleted, "step %d %q", tt.step, tt.msg)
		assert.Contains(t, resp.Response, tt.contains, "step %d %q", tt.step, tt.msg)
	}

	_, err := f.engine.UploadImage(ctx, id, 4, testImage)
	require.NoError(t, err)
	ocr, err := f.engine.RecordOCR(ctx, id, 4, "")
	require.NoError(t, err)
	assert.False(t, ocr.Readable)
	assert.NotEmpty(t, ocr.Issues)

	fb, err := f.engine.GenerateFeedback(ctx, id, 4)
	require.NoError(t, err)
	assert.True(t, fb.IsFallback)
	assert.Equal(t, 65, fb.OverallScore)

	es := f.durable(t, id)
	assert.Equal(t, "環境問題", es.LastThemeTitle)
	assert.NotEmpty(t, es.VocabAnswers)
	assert.NotEmpty(t, es.ShortProblem)
	assert.NotEmpty(t, es.MainProblem)
	assert.NotEmpty(t, es.ChallengeProblem)
	assert.Empty(t, es.MainProblemID, "fallback problems are not library entries")
	assert.True(t, es.Finished())
}

func TestChatMainProblemComesFromLibrary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	problem := "プラスチックごみの削減について、企業と個人の役割を踏まえてあなたの考えを述べなさい"
	f.provider.AddText("「" + problem + "」")

	first := f.init(t, themeRequest("alice"))
	resp := f.chat(t, first, 4, "ok")
	assert.Contains(t, resp.Response, problem)

	second := f.init(t, themeRequest("bob"))
	resp = f.chat(t, second, 4, "ok")
	assert.Contains(t, resp.Response, problem)
	assert.Equal(t, 1, f.provider.CallCount(), "second student is served from the library")

	a, b := f.durable(t, first), f.durable(t, second)
	require.NotEmpty(t, a.MainProblemID)
	assert.Equal(t, a.MainProblemID, b.MainProblemID)

	_, err := f.engine.UploadImage(ctx, first, 4, testImage)
	require.NoError(t, err)
	f.provider.AddJSON(readableOCR("私は企業の責任が大きいと考える。"))
	_, err = f.engine.RecordOCR(ctx, first, 4, "")
	require.NoError(t, err)
	f.provider.AddJSON(goodReview(80))
	fb, err := f.engine.GenerateFeedback(ctx, first, 4)
	require.NoError(t, err)
	assert.Equal(t, 80, fb.OverallScore)

	usages, avg, err := f.store.ScoreAggregate(ctx, a.MainProblemID)
	require.NoError(t, err)
	assert.Equal(t, 2, usages)
	assert.InDelta(t, 80.0, avg, 0.001)
}

func TestChatCorrectionRecordsCorrectedOCR(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	id := f.init(t, themeRequest("student-1"))

	_, err := f.engine.UploadImage(ctx, id, 4, testImage)
	require.NoError(t, err)
	f.provider.AddJSON(readableOCR("私はきぎょうの責任が大きいと考える。"))
	_, err = f.engine.RecordOCR(ctx, id, 4, "")
	require.NoError(t, err)

	f.provider.AddJSON(goodReview(75))
	resp := f.chat(t, id, 4, "私は企業の責任が大きいと考える。修正完了")

	assert.True(t, resp.StepCompleted)
	es := f.durable(t, id)
	require.Len(t, es.OCRResults, 2)
	latest := es.LatestOCR(4)
	assert.True(t, latest.IsCorrected)
	assert.Equal(t, "私は企業の責任が大きいと考える。", latest.Text)
	require.Len(t, es.Feedbacks, 1)
	assert.Equal(t, 75, es.Feedbacks[0].OverallScore)
}

func TestChatVocabularyExercise(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.init(t, themeRequest("student-1"))
	f.provider.AddText(`【模範解答】
1. 「とても大切なこと」→「極めて重要な事柄」
2. 「たぶんそうなる」→「おそらくそうなるであろう」
3. 「みんなが言っている」→「多くの人が指摘している」
4. 「ちょっと難しい」→「やや困難である」
5. 「すごく増えた」→「大幅に増加した」`)

	resp := f.chat(t, id, 2, "ok")
	assert.False(t, resp.StepCompleted)
	assert.Contains(t, resp.Response, "1. 「とても大切なこと」 → ?")
	assert.Contains(t, resp.Response, "【語彙力強化】")

	resp = f.chat(t, id, 2, "パス")
	assert.True(t, resp.StepCompleted)
	assert.Contains(t, resp.Response, "極めて重要な事柄")
}

func TestChatShortEssayMinimumDependsOnFormat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	essay := strings.Repeat("あ", 90)

	standard := f.init(t, themeRequest("student-1"))
	resp := f.chat(t, standard, 3, essay)
	assert.False(t, resp.StepCompleted)
	assert.Contains(t, resp.Response, "150字以上")

	req := themeRequest("student-1")
	req.LessonFormat = domain.FormatShortEssayFocus
	focused := f.init(t, req)
	resp = f.chat(t, focused, 1, essay)
	assert.True(t, resp.StepCompleted)
}

func TestChatRejectsBadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.init(t, themeRequest("student-1"))

	tests := []struct {
		name string
		req  ChatRequest
		kind domain.Kind
	}{
		{"empty message", ChatRequest{SessionID: id, Message: "  ", CurrentStep: 1}, domain.KindValidation},
		{"step zero", ChatRequest{SessionID: id, Message: "ok", CurrentStep: 0}, domain.KindValidation},
		{"step seven", ChatRequest{SessionID: id, Message: "ok", CurrentStep: 7}, domain.KindValidation},
		{"unknown session", ChatRequest{SessionID: "session_missing", Message: "ok", CurrentStep: 1}, domain.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Chat(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}
}

func TestChatPersistFailureIsReported(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.init(t, themeRequest("student-1"))
	f.store.FailUpserts(true)

	_, err := f.engine.Chat(context.Background(), ChatRequest{SessionID: id, Message: "パス", CurrentStep: 2})
	require.Error(t, err)
	assert.Equal(t, domain.KindPersistence, domain.KindOf(err))

	f.store.FailUpserts(false)
	assert.Equal(t, domain.StepInProgress, f.durable(t, id).StepStateOf(1))
	assert.Empty(t, f.durable(t, id).ChatHistory)
}

func TestAdvanceStep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	id := f.init(t, themeRequest("student-1"))

	var p *StepProgress
	var err error
	for range domain.EssayStepCount {
		p, err = f.engine.AdvanceStep(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, domain.EssayStepCount, p.CurrentStep)
	assert.True(t, p.Finished)
	for step := 1; step <= domain.EssayStepCount; step++ {
		assert.Equal(t, domain.StepCompleted, f.durable(t, id).StepStateOf(step))
	}
}

func TestGenerateFeedbackRequiresOCR(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.init(t, themeRequest("student-1"))

	_, err := f.engine.GenerateFeedback(context.Background(), id, 4)
	require.Error(t, err)
	assert.Equal(t, domain.CodeNoOCRData, domain.CodeOf(err))
}

func TestRecordOCRRequiresImage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.init(t, themeRequest("student-1"))

	_, err := f.engine.RecordOCR(context.Background(), id, 0, "")
	require.Error(t, err)
	assert.Equal(t, domain.CodeNoImage, domain.CodeOf(err))

	_, err = f.engine.UploadImage(context.Background(), id, 4, "not-an-image")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}
