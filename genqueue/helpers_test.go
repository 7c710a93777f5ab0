package genqueue

import (
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sql.Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := Migrate(t.Context(), db); err != nil {
		db.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeClock advances by step on every reading, so rows created by successive
// calls have strictly increasing timestamps.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), step: time.Millisecond}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T) (*SQLStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewSQLStore(openTestDB(t), WithClock(clock.Now)), clock
}

func req(discipline string, qty int) BatchRequest {
	return BatchRequest{
		GenerationSpec: GenerationSpec{
			Discipline: discipline,
			Topic:      "Cardiology",
			Board:      "USMLE",
			Modality:   "multiple_choice",
			Difficulty: "medium",
		},
		Quantity: qty,
	}
}
