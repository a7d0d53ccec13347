package essay

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/ashureev/studypartner/internal/domain"
)

// turn is one chat message being classified against a step's rules.
type turn struct {
	session *domain.Session
	essay   *domain.EssayState
	step    int
	msg     string
}

// outcome is what a matched rule produced. scored is set when the turn
// produced a review whose score belongs to a library problem.
type outcome struct {
	response  string
	completed bool
	scored    bool
	score     int
}

type rule struct {
	name string
	when func(t *turn) bool
	do   func(ctx context.Context, t *turn) (outcome, error)
}

// dispatch runs the first rule whose predicate matches.
func dispatch(ctx context.Context, rules []rule, t *turn) (string, outcome, error) {
	for _, r := range rules {
		if r.when(t) {
			out, err := r.do(ctx, t)
			return r.name, out, err
		}
	}
	return "", outcome{}, fmt.Errorf("no rule matched step %d", t.step)
}

type family int

const (
	familyIntro family = iota
	familyVocab
	familyShort
	familyManuscript
	familyWrapUp
)

func familyOf(es *domain.EssayState, step int) family {
	switch {
	case step <= 3 && es.LessonFormat == domain.FormatVocabularyFocus:
		return familyVocab
	case step <= 3 && es.LessonFormat == domain.FormatShortEssayFocus:
		return familyShort
	case step == 1:
		return familyIntro
	case step == 2:
		return familyVocab
	case step == 3:
		return familyShort
	case step == 6:
		return familyWrapUp
	default:
		return familyManuscript
	}
}

func (e *Engine) rulesFor(es *domain.EssayState, step int) []rule {
	switch familyOf(es, step) {
	case familyIntro:
		return e.introRules()
	case familyVocab:
		return e.vocabRules()
	case familyShort:
		return e.shortRules()
	case familyWrapUp:
		return e.wrapUpRules()
	default:
		return e.manuscriptRules()
	}
}

func always(*turn) bool { return true }

// awaitingOCR is true while the newest image uploaded for the step has not
// been read yet.
func awaitingOCR(t *turn) bool { return t.essay.AwaitingOCR(t.step) }

// confirming needs an OCR result for the step; without one the phrase falls
// through to the later rules.
func confirming(t *turn) bool {
	return confirmPhrases.in(t.msg) && t.essay.LatestOCR(t.step) != nil
}

func skipping(t *turn) bool { return isSkip(t.msg) }

func acknowledging(t *turn) bool { return isAck(t.msg) || strings.Contains(t.msg, "オッケー") }

func (e *Engine) imageRule() rule {
	return rule{name: "image", when: awaitingOCR, do: func(context.Context, *turn) (outcome, error) {
		return outcome{response: e.catalog.Render("ocr_in_progress", nil)}, nil
	}}
}

func (e *Engine) introRules() []rule {
	return []rule{
		e.imageRule(),
		{name: "ocr_confirm", when: confirming, do: func(ctx context.Context, t *turn) (outcome, error) {
			fb := e.reviewManuscript(ctx, t.essay, t.essay.LatestOCR(t.step))
			t.essay.Feedbacks = append(t.essay.Feedbacks, fb)
			if fb.IsFallback {
				return outcome{response: e.catalog.Render("ocr_review_fallback", nil), completed: true}, nil
			}
			return outcome{response: e.renderReview("添削結果", fb), completed: true}, nil
		}},
		{name: "pass", when: skipping, do: func(ctx context.Context, t *turn) (outcome, error) {
			answer := e.modelAnswer(ctx, t.essay)
			return outcome{response: e.catalog.Render("pass_response", map[string]any{"Answer": answer}), completed: true}, nil
		}},
		{name: "answer", when: func(t *turn) bool {
			return runeLen(t.msg) > introAnswerMin && !mentionsAck(t.msg)
		}, do: func(ctx context.Context, t *turn) (outcome, error) {
			fb := e.review(ctx, reviewPrompt(themeTitle(t.essay, "テーマ"), answerCriteria), t.msg, t.step)
			t.essay.Feedbacks = append(t.essay.Feedbacks, fb)
			if fb.IsFallback {
				return outcome{response: e.catalog.Render("answer_review_fallback", nil), completed: true}, nil
			}
			return outcome{response: e.renderReview("回答の添削", fb), completed: true}, nil
		}},
		{name: "read", when: func(t *turn) bool { return readPhrases.in(t.msg) }, do: func(ctx context.Context, t *turn) (outcome, error) {
			questions := e.comprehensionQuestions(ctx, t.essay)
			return outcome{response: e.catalog.Render("questions_response", map[string]any{"Questions": questions})}, nil
		}},
		{name: "ok", when: acknowledging, do: func(ctx context.Context, t *turn) (outcome, error) {
			if err := e.ensureTheme(ctx, t.essay); err != nil {
				return outcome{}, err
			}
			return outcome{response: e.catalog.Render("theme_response", map[string]any{
				"Title":   t.essay.LastThemeTitle,
				"Content": t.essay.LastThemeContent,
			})}, nil
		}},
		{name: "too_short", when: always, do: func(context.Context, *turn) (outcome, error) {
			return outcome{response: e.catalog.Render("intro_too_short", nil)}, nil
		}},
	}
}

// focusStep is the 1-3 position inside a focused lesson, or 0 for the
// standard format.
func focusStep(es *domain.EssayState, step int) int {
	if es.IsFocused() && step <= 3 {
		return step
	}
	return 0
}

var (
	vocabTitles = [...]string{"【語彙力強化】", "【語彙力強化① - 基礎編】", "【語彙力強化② - 応用編】", "【語彙力強化③ - 実践編】"}
	shortTitles = [...]string{"【短文小論文】", "【短文演習① - 基礎編】", "【短文演習② - 応用編】", "【短文演習③ - 実践編】"}
	shortMins   = [...]int{shortEssayMin, 80, 150, 250}
	shortGoals  = [...]int{200, 100, 200, 300}
)

func shortEssayMinimum(es *domain.EssayState, step int) int {
	return shortMins[focusStep(es, step)]
}

func shortEssayTarget(es *domain.EssayState, step int) int {
	return shortGoals[focusStep(es, step)]
}

func (e *Engine) vocabRules() []rule {
	return []rule{
		{name: "pass", when: skipping, do: func(_ context.Context, t *turn) (outcome, error) {
			answers := orString(t.essay.VocabAnswers, e.catalog.Render("vocab_answers_default", nil))
			return outcome{response: e.catalog.Render("vocab_pass", map[string]any{"Answers": answers}), completed: true}, nil
		}},
		{name: "answer", when: func(t *turn) bool {
			return runeLen(t.msg) > vocabAnswerMin && !mentionsAck(t.msg)
		}, do: func(_ context.Context, t *turn) (outcome, error) {
			answers := orString(t.essay.VocabAnswers, e.catalog.Render("vocab_answers_default", nil))
			return outcome{response: e.catalog.Render("vocab_answered", map[string]any{"Answers": answers}), completed: true}, nil
		}},
		{name: "ok", when: acknowledging, do: func(ctx context.Context, t *turn) (outcome, error) {
			problems, example := e.vocabExercise(ctx, t.essay)
			return outcome{response: e.catalog.Render("vocab_exercise", map[string]any{
				"Title":    vocabTitles[focusStep(t.essay, t.step)],
				"Subtitle": "口語表現を小論文らしい表現に言い換える練習です。",
				"Problems": problems,
				"Example":  example,
			})}, nil
		}},
		{name: "too_short", when: always, do: func(context.Context, *turn) (outcome, error) {
			return outcome{response: e.catalog.Render("vocab_too_short", nil)}, nil
		}},
	}
}

func (e *Engine) shortRules() []rule {
	return []rule{
		{name: "pass", when: skipping, do: func(ctx context.Context, t *turn) (outcome, error) {
			chars := fmt.Sprintf("%d字", shortEssayTarget(t.essay, t.step))
			answer := e.shortModelAnswer(ctx, t.essay, chars)
			return outcome{response: e.catalog.Render("pass_response", map[string]any{"Answer": answer}), completed: true}, nil
		}},
		{name: "essay", when: func(t *turn) bool {
			return runeLen(t.msg) >= shortEssayMinimum(t.essay, t.step) && !isAck(t.msg)
		}, do: func(ctx context.Context, t *turn) (outcome, error) {
			topic := orString(t.essay.ShortProblem, themeTitle(t.essay, "テーマ"))
			criteria := fmt.Sprintf(essayCriteria, shortEssayTarget(t.essay, t.step))
			fb := e.review(ctx, reviewPrompt(topic, criteria), t.msg, t.step)
			t.essay.Feedbacks = append(t.essay.Feedbacks, fb)
			if fb.IsFallback {
				return outcome{response: e.catalog.Render("short_review_fallback", nil), completed: true}, nil
			}
			return outcome{response: e.renderReview("短文小論文の添削", fb), completed: true}, nil
		}},
		{name: "ok", when: acknowledging, do: func(ctx context.Context, t *turn) (outcome, error) {
			chars := fmt.Sprintf("%d字", shortEssayTarget(t.essay, t.step))
			problem := e.shortProblem(ctx, t.essay, chars)
			t.essay.ShortProblem = problem
			return outcome{response: e.catalog.Render("short_exercise", map[string]any{
				"Title":    shortTitles[focusStep(t.essay, t.step)],
				"Subtitle": "主張と理由を短くまとめる練習です。",
				"Problem":  problem,
				"Chars":    chars,
			})}, nil
		}},
		{name: "too_short", when: always, do: func(_ context.Context, t *turn) (outcome, error) {
			return outcome{response: e.catalog.Render("short_too_short", map[string]any{"Min": shortEssayMinimum(t.essay, t.step)})}, nil
		}},
	}
}

func (e *Engine) manuscriptRules() []rule {
	return []rule{
		e.imageRule(),
		{name: "ocr_confirm", when: confirming, do: func(ctx context.Context, t *turn) (outcome, error) {
			return e.completeManuscript(ctx, t, t.essay.LatestOCR(t.step)), nil
		}},
		{name: "done", when: func(t *turn) bool { return isDone(t.msg) }, do: func(_ context.Context, t *turn) (outcome, error) {
			if t.step == 5 {
				return outcome{response: e.catalog.Render("challenge_done", nil), completed: true}, nil
			}
			return outcome{response: e.catalog.Render("main_done", nil), completed: true}, nil
		}},
		{name: "ocr_correct", when: func(t *turn) bool {
			if correctionPhrases.in(t.msg) {
				return true
			}
			return t.essay.LatestOCR(t.step) != nil && runeLen(t.msg) > correctionMin && !mentionsAck(t.msg)
		}, do: func(ctx context.Context, t *turn) (outcome, error) {
			text := strings.TrimSpace(strings.ReplaceAll(t.msg, "修正完了", ""))
			if text == "" {
				if prev := t.essay.LatestOCR(t.step); prev != nil {
					text = prev.Text
				}
			}
			if text == "" {
				return outcome{response: e.catalog.Render("ocr_missing", nil)}, nil
			}
			t.essay.OCRResults = append(t.essay.OCRResults, domain.OCRResult{
				Step:             t.step,
				Readable:         true,
				ReadabilityScore: 100,
				Text:             text,
				CharCount:        runeLen(text),
				IsCorrected:      true,
				ProcessedAt:      e.now(),
			})
			return e.completeManuscript(ctx, t, t.essay.LatestOCR(t.step)), nil
		}},
		{name: "ok", when: acknowledging, do: func(ctx context.Context, t *turn) (outcome, error) {
			if t.step == 5 {
				p := e.challengeProblem(ctx, t.session, t.essay)
				t.essay.ChallengeProblem, t.essay.ChallengeID = p.Text, p.ID
				return outcome{response: e.catalog.Render("challenge_exercise", map[string]any{"Problem": p.Text, "Chars": p.Chars})}, nil
			}
			p := e.mainProblem(ctx, t.session, t.essay)
			t.essay.MainProblem, t.essay.MainProblemID = p.Text, p.ID
			return outcome{response: e.catalog.Render("main_exercise", map[string]any{"Problem": p.Text, "Chars": p.Chars})}, nil
		}},
		{name: "too_short", when: always, do: func(context.Context, *turn) (outcome, error) {
			return outcome{response: e.catalog.Render("upload_prompt", nil)}, nil
		}},
	}
}

// completeManuscript reviews a read or corrected manuscript and completes
// the step.
func (e *Engine) completeManuscript(ctx context.Context, t *turn, ocr *domain.OCRResult) outcome {
	fb := e.reviewManuscript(ctx, t.essay, ocr)
	t.essay.Feedbacks = append(t.essay.Feedbacks, fb)
	title := "本練習の添削結果"
	if t.step == 5 {
		title = "チャレンジ問題の添削結果"
	}
	return outcome{response: e.renderReview(title, fb), completed: true, scored: !fb.IsFallback, score: fb.OverallScore}
}

func (e *Engine) wrapUpRules() []rule {
	return []rule{
		{name: "card", when: func(t *turn) bool { return cardPhrases.in(t.msg) }, do: func(_ context.Context, t *turn) (outcome, error) {
			return outcome{response: e.wrapUpCard(t.essay), completed: true}, nil
		}},
		{name: "prompt", when: always, do: func(context.Context, *turn) (outcome, error) {
			return outcome{response: e.catalog.Render("wrapup_prompt", nil)}, nil
		}},
	}
}

func (e *Engine) renderReview(title string, fb domain.Feedback) string {
	return e.catalog.Render("review", map[string]any{
		"Title":        title,
		"GoodPoints":   fb.GoodPoints,
		"Improvements": fb.Improvements,
		"Example":      fb.ExampleImprovement,
		"Score":        fb.OverallScore,
		"NextSteps":    fb.NextSteps,
	})
}

type counted struct {
	text string
	n    int
}

// topPhrases returns up to n distinct phrases, most frequent first.
func topPhrases(groups [][]string, n int) []string {
	var seen []counted
	for _, g := range groups {
		for _, p := range g {
			if i := slices.IndexFunc(seen, func(c counted) bool { return c.text == p }); i >= 0 {
				seen[i].n++
				continue
			}
			seen = append(seen, counted{text: p, n: 1})
		}
	}
	slices.SortStableFunc(seen, func(a, b counted) int { return cmp.Compare(b.n, a.n) })
	out := make([]string, 0, n)
	for _, c := range seen[:min(n, len(seen))] {
		out = append(out, c.text)
	}
	return out
}

func (e *Engine) wrapUpCard(es *domain.EssayState) string {
	var (
		total        int
		goods, impro [][]string
	)
	for _, fb := range es.Feedbacks {
		total += fb.OverallScore
		goods = append(goods, fb.GoodPoints)
		impro = append(impro, fb.Improvements)
	}
	avg := 0
	if len(es.Feedbacks) > 0 {
		avg = int(math.Round(float64(total) / float64(len(es.Feedbacks))))
	}

	good := topPhrases(goods, 3)
	if len(good) == 0 {
		good = clone(e.catalog.feedbackDefaults.GoodPoints)
	}
	focus := []string{"文章構成を意識する", "具体例を豊富に盛り込む", "論理的な展開を心がける"}
	if top := topPhrases(impro, 1); len(top) > 0 {
		focus[0] = top[0]
	}
	praise := "最後まで取り組む姿勢"
	if len(good) > 0 {
		praise = strings.TrimSuffix(good[0], "。")
	}

	return e.catalog.Render("wrapup_card", map[string]any{
		"Essays":     len(es.Feedbacks),
		"Average":    avg,
		"GoodPoints": good,
		"NextFocus":  focus,
		"Praise":     praise,
	})
}
