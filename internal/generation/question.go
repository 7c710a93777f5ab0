// Package generation provides the LLM-backed executor that produces one
// question per call and stores it.
package generation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohans/genqueue/genqueue"
)

// Question is one generated multiple-choice (or true/false) question.
type Question struct {
	Statement   string   `json:"statement"`
	Options     []string `json:"options"`
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation"`
}

var ErrMalformedQuestion = errors.New("malformed question")

// ParseQuestion decodes and validates a model response.
// Answer must be the letter of one of the options (A, B, ...).
func ParseQuestion(raw string) (Question, error) {
	var q Question
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &q); err != nil {
		return Question{}, fmt.Errorf("%w: %v", ErrMalformedQuestion, err)
	}
	q.Statement = strings.TrimSpace(q.Statement)
	q.Answer = strings.ToUpper(strings.TrimSpace(q.Answer))
	switch {
	case q.Statement == "":
		return Question{}, fmt.Errorf("%w: empty statement", ErrMalformedQuestion)
	case len(q.Options) < 2 || len(q.Options) > 5:
		return Question{}, fmt.Errorf("%w: %d options", ErrMalformedQuestion, len(q.Options))
	case len(q.Answer) != 1 || q.Answer[0] < 'A' || int(q.Answer[0]-'A') >= len(q.Options):
		return Question{}, fmt.Errorf("%w: answer %q", ErrMalformedQuestion, q.Answer)
	}
	for i, o := range q.Options {
		if strings.TrimSpace(o) == "" {
			return Question{}, fmt.Errorf("%w: option %c is empty", ErrMalformedQuestion, 'A'+i)
		}
	}
	return q, nil
}

// QuestionSink persists generated questions.
type QuestionSink interface {
	SaveQuestion(ctx context.Context, spec genqueue.GenerationSpec, q Question, model string) error
}

// Schema creates the generated question table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS generated_questions (
    id           VARCHAR(64)  PRIMARY KEY,
    discipline   VARCHAR(255) NOT NULL,
    topic        VARCHAR(255) NOT NULL,
    subtopic     VARCHAR(255) NOT NULL,
    board        VARCHAR(255) NOT NULL,
    modality     VARCHAR(64)  NOT NULL,
    difficulty   VARCHAR(64)  NOT NULL,
    statement    TEXT         NOT NULL,
    options_json TEXT         NOT NULL,
    answer       VARCHAR(1)   NOT NULL,
    explanation  TEXT         NOT NULL,
    model        VARCHAR(128) NOT NULL,
    created_at   BIGINT       NOT NULL
)`,
}

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply question schema: %w", err)
		}
	}
	return nil
}

// SQLSink stores questions in the generated_questions table.
type SQLSink struct {
	db      *sql.DB
	dialect genqueue.Dialect
}

func NewSQLSink(db *sql.DB, dialect genqueue.Dialect) *SQLSink {
	return &SQLSink{db: db, dialect: dialect}
}

func (s *SQLSink) SaveQuestion(ctx context.Context, spec genqueue.GenerationSpec, q Question, model string) error {
	opts, err := json.Marshal(q.Options)
	if err != nil {
		return err
	}
	query := genqueue.Rebind(s.dialect, `INSERT INTO generated_questions
		(id, discipline, topic, subtopic, board, modality, difficulty, statement, options_json, answer, explanation, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		uuid.NewString(), spec.Discipline, spec.Topic, spec.Subtopic, spec.Board, spec.Modality, spec.Difficulty,
		q.Statement, string(opts), q.Answer, q.Explanation, model, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("save question: %w", err)
	}
	return nil
}

// CountQuestions returns how many questions are stored for a discipline.
func (s *SQLSink) CountQuestions(ctx context.Context, discipline string) (int, error) {
	var n int
	q := genqueue.Rebind(s.dialect, `SELECT COUNT(*) FROM generated_questions WHERE discipline = ?`)
	if err := s.db.QueryRowContext(ctx, q, discipline).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
