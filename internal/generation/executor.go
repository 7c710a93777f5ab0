package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mohans/genqueue/genqueue"
	"golang.org/x/time/rate"
)

const systemPrompt = `You write exam-preparation questions. Reply with a single JSON object:
{"statement": string, "options": [string], "answer": "A".."E", "explanation": string}.
Do not add any text outside the JSON object.`

// Executor generates one question per call and hands it to a QuestionSink.
// Requests to the model are rate limited across all owners.
type Executor struct {
	llm     CompletionClient
	sink    QuestionSink
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ genqueue.Executor = (*Executor)(nil)

// NewExecutor limits model calls to requestsPerMinute; zero or less disables the limit.
func NewExecutor(llm CompletionClient, sink QuestionSink, requestsPerMinute int, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Limit(float64(requestsPerMinute) / 60)
	}
	return &Executor{llm: llm, sink: sink, limiter: rate.NewLimiter(limit, 1), logger: logger}
}

func (e *Executor) Generate(ctx context.Context, spec genqueue.GenerationSpec) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	raw, err := e.llm.CompleteJSON(ctx, systemPrompt, BuildPrompt(spec))
	if err != nil {
		return err
	}
	q, err := ParseQuestion(raw)
	if err != nil {
		return err
	}
	if err := e.sink.SaveQuestion(ctx, spec, q, e.llm.Model()); err != nil {
		return err
	}
	e.logger.Debug("question generated", "discipline", spec.Discipline, "board", spec.Board, "difficulty", spec.Difficulty)
	return nil
}

// BuildPrompt renders the user prompt for spec.
func BuildPrompt(spec genqueue.GenerationSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write one %s question of %s difficulty in the style of the %s exam board.\n",
		modalityLabel(spec.Modality), spec.Difficulty, spec.Board)
	fmt.Fprintf(&b, "Discipline: %s\n", spec.Discipline)
	if spec.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n", spec.Topic)
	}
	if spec.Subtopic != "" {
		fmt.Fprintf(&b, "Subtopic: %s\n", spec.Subtopic)
	}
	if isTrueFalse(spec.Modality) {
		b.WriteString("Use exactly two options: \"True\" and \"False\".\n")
	} else {
		b.WriteString("Use exactly five options labelled implicitly A to E, with one correct answer.\n")
	}
	return b.String()
}

func isTrueFalse(modality string) bool {
	switch strings.ToLower(modality) {
	case "true_false", "true-false", "certo_errado":
		return true
	}
	return false
}

func modalityLabel(modality string) string {
	if isTrueFalse(modality) {
		return "true/false"
	}
	return "multiple-choice"
}
