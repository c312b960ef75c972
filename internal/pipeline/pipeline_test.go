package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/you/modpipe/internal/aggregate"
	"github.com/you/modpipe/internal/checkpoint"
	"github.com/you/modpipe/internal/core"
	"github.com/you/modpipe/internal/source"
)

type translatorFunc func(ctx context.Context, text, lang string) (string, error)

func (f translatorFunc) Translate(ctx context.Context, text, lang string) (string, error) {
	return f(ctx, text, lang)
}

type scorerFunc func(ctx context.Context, text string) (float64, error)

func (f scorerFunc) Score(ctx context.Context, text string) (float64, error) {
	return f(ctx, text)
}

func identityTranslator() Translator {
	return translatorFunc(func(_ context.Context, text, _ string) (string, error) {
		return text, nil
	})
}

func scoreByText(scores map[string]float64) Scorer {
	return scorerFunc(func(_ context.Context, text string) (float64, error) {
		return scores[text], nil
	})
}

type captureReporter struct {
	mu   sync.Mutex
	aggs []core.UserAggregate
}

func (c *captureReporter) Write(aggs []core.UserAggregate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggs = append([]core.UserAggregate(nil), aggs...)
	return nil
}

func writeCSV(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
}

func openStore(t *testing.T, path string, combiner aggregate.Combiner) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.Open(path, combiner)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRunScoresAndFlagsUsers(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "batch.csv")
	writeCSV(t, input, "user_id,message\nu1,hello\nu1,you are terrible\nu2,nice day\n")

	store := openStore(t, filepath.Join(dir, "cp.db"), aggregate.Combiner{Rule: aggregate.RuleSum, Threshold: 5})
	reporter := &captureReporter{}
	scores := map[string]float64{"hello": 0, "you are terrible": 9, "nice day": 1}

	p := New(source.New(input), identityTranslator(), scoreByText(scores), store, reporter, Options{
		Workers:   3,
		Translate: true,
		Progress:  NewProgress(),
	})

	state, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != core.RunCompleted {
		t.Fatalf("unexpected state: %s", state)
	}

	want := []core.UserAggregate{
		{UserID: "u1", TotalScore: 9, MessageCount: 2, Score: 9, Flagged: true},
		{UserID: "u2", TotalScore: 1, MessageCount: 1, Score: 1, Flagged: false},
	}
	if !reflect.DeepEqual(reporter.aggs, want) {
		t.Fatalf("unexpected report:\n%+v\nwant:\n%+v", reporter.aggs, want)
	}
}

func TestFailedRecordDoesNotAffectOthers(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "batch.csv")
	writeCSV(t, input, "user_id,message\nu1,first\nu1,second\nu2,third\n")

	store := openStore(t, filepath.Join(dir, "cp.db"), aggregate.Combiner{Rule: aggregate.RuleSum, Threshold: 5})
	reporter := &captureReporter{}
	scorer := scorerFunc(func(_ context.Context, text string) (float64, error) {
		if text == "second" {
			return 0, errors.New("score: 3 attempts exhausted: connection refused")
		}
		return 2, nil
	})

	progress := NewProgress()
	p := New(source.New(input), identityTranslator(), scorer, store, reporter, Options{
		Workers:  2,
		Progress: progress,
	})

	state, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != core.RunCompleted {
		t.Fatalf("a failed message must not abort the run, got %s", state)
	}

	status, _, err := store.LoadStatus(context.Background(), "batch.csv:2")
	if err != nil {
		t.Fatalf("load status: %v", err)
	}
	if status != core.StatusFailed {
		t.Fatalf("expected failed record, got %s", status)
	}

	want := []core.UserAggregate{
		{UserID: "u1", TotalScore: 2, MessageCount: 1, Score: 2, Flagged: false},
		{UserID: "u2", TotalScore: 2, MessageCount: 1, Score: 2, Flagged: false},
	}
	if !reflect.DeepEqual(reporter.aggs, want) {
		t.Fatalf("unexpected aggregates: %+v", reporter.aggs)
	}
	if snap := progress.Snapshot(); snap.Failed != 1 || snap.Scored != 2 {
		t.Fatalf("unexpected progress: %+v", snap)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "batch.csv")
	writeCSV(t, input, "user_id,message\nu1,a\nu2,b\n")

	store := openStore(t, filepath.Join(dir, "cp.db"), aggregate.Combiner{Rule: aggregate.RuleSum, Threshold: 1})
	reporter := &captureReporter{}
	var scoreCalls atomic.Int64
	scorer := scorerFunc(func(_ context.Context, _ string) (float64, error) {
		scoreCalls.Add(1)
		return 1, nil
	})

	progress := NewProgress()
	p := New(source.New(input), nil, scorer, store, reporter, Options{Workers: 2, Progress: progress})

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := append([]core.UserAggregate(nil), reporter.aggs...)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if scoreCalls.Load() != 2 {
		t.Fatalf("second run must not rescore, total calls %d", scoreCalls.Load())
	}
	if snap := progress.Snapshot(); snap.Resumed != 2 || snap.Dispatched != 0 {
		t.Fatalf("expected full resume, got %+v", snap)
	}
	if !reflect.DeepEqual(reporter.aggs, first) {
		t.Fatalf("reports differ across re-runs:\n%+v\nvs\n%+v", first, reporter.aggs)
	}
}

func TestInterruptedRunResumesRemainingOnly(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "batch.csv")

	// First pass sees only the first two rows, as if the run died before the
	// third was ingested.
	writeCSV(t, input, "user_id,message\nu1,a\nu2,b\n")

	combiner := aggregate.Combiner{Rule: aggregate.RuleSum, Threshold: 1.5}
	store := openStore(t, filepath.Join(dir, "cp.db"), combiner)
	reporter := &captureReporter{}
	scorer := scorerFunc(func(_ context.Context, _ string) (float64, error) { return 1, nil })

	p := New(source.New(input), nil, scorer, store, reporter, Options{Workers: 1, Progress: NewProgress()})
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("partial run: %v", err)
	}

	// Same file with the third row appended: row-derived ids for the first
	// two rows are unchanged, so only the new row is processed.
	writeCSV(t, input, "user_id,message\nu1,a\nu2,b\nu1,c\n")
	progress := NewProgress()
	p = New(source.New(input), nil, scorer, store, reporter, Options{Workers: 1, Progress: progress})
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("resume run: %v", err)
	}

	if snap := progress.Snapshot(); snap.Resumed != 2 || snap.Dispatched != 1 {
		t.Fatalf("expected 2 resumed and 1 dispatched, got %+v", snap)
	}

	// An uninterrupted run over the full input yields identical aggregates.
	freshStore := openStore(t, filepath.Join(dir, "fresh.db"), combiner)
	freshReporter := &captureReporter{}
	fresh := New(source.New(input), nil, scorer, freshStore, freshReporter, Options{Workers: 1, Progress: NewProgress()})
	if _, err := fresh.Run(context.Background()); err != nil {
		t.Fatalf("fresh run: %v", err)
	}
	if !reflect.DeepEqual(reporter.aggs, freshReporter.aggs) {
		t.Fatalf("resumed aggregates differ from uninterrupted run:\n%+v\nvs\n%+v", reporter.aggs, freshReporter.aggs)
	}
}

func TestMalformedRowExcludedWithoutAborting(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "batch.csv")
	writeCSV(t, input, "user_id,message\nu1,fine\n,orphan\nu2,also fine\n")

	store := openStore(t, filepath.Join(dir, "cp.db"), aggregate.Combiner{Rule: aggregate.RuleSum})
	reporter := &captureReporter{}
	scorer := scorerFunc(func(_ context.Context, _ string) (float64, error) { return 1, nil })

	progress := NewProgress()
	p := New(source.New(input), nil, scorer, store, reporter, Options{Workers: 2, Progress: progress})

	state, err := p.Run(context.Background())
	if err != nil || state != core.RunCompleted {
		t.Fatalf("run: state=%s err=%v", state, err)
	}
	if snap := progress.Snapshot(); snap.Skipped != 1 {
		t.Fatalf("expected one skipped row, got %+v", snap)
	}
	if len(reporter.aggs) != 2 {
		t.Fatalf("skipped row leaked into report: %+v", reporter.aggs)
	}
	for _, agg := range reporter.aggs {
		if agg.UserID == "" {
			t.Fatalf("empty user in report: %+v", reporter.aggs)
		}
	}
}

func TestTranslationSkippedForTargetLanguage(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "batch.csv")
	writeCSV(t, input, "user_id,message,language\nu1,hola,es\nu2,hello,en\n")

	store := openStore(t, filepath.Join(dir, "cp.db"), aggregate.Combiner{Rule: aggregate.RuleSum})
	var translated []string
	var mu sync.Mutex
	translator := translatorFunc(func(_ context.Context, text, lang string) (string, error) {
		mu.Lock()
		translated = append(translated, text+"/"+lang)
		mu.Unlock()
		return "translated " + text, nil
	})
	var scoredTexts []string
	scorer := scorerFunc(func(_ context.Context, text string) (float64, error) {
		mu.Lock()
		scoredTexts = append(scoredTexts, text)
		mu.Unlock()
		return 0, nil
	})

	p := New(source.New(input), translator, scorer, store, &captureReporter{}, Options{
		Workers:    1,
		Translate:  true,
		TargetLang: "en",
		Progress:   NewProgress(),
	})
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(translated) != 1 || translated[0] != "hola/es" {
		t.Fatalf("unexpected translation calls: %v", translated)
	}
	want := map[string]bool{"translated hola": true, "hello": true}
	for _, text := range scoredTexts {
		if !want[text] {
			t.Fatalf("scorer saw unexpected text %q (all: %v)", text, scoredTexts)
		}
	}
}

type brokenStore struct{}

func (brokenStore) LoadStatus(context.Context, string) (core.Status, bool, error) {
	return "", false, errors.New("database is locked")
}
func (brokenStore) RecordTranslation(context.Context, core.MessageRecord, string) error {
	return errors.New("database is locked")
}
func (brokenStore) RecordScore(context.Context, core.MessageRecord, float64) error {
	return errors.New("database is locked")
}
func (brokenStore) RecordFailure(context.Context, core.MessageRecord, string) error {
	return errors.New("database is locked")
}
func (brokenStore) RecordSkip(context.Context, core.MessageRecord, string) error {
	return errors.New("database is locked")
}
func (brokenStore) Finalize(context.Context) ([]core.UserAggregate, error) {
	return nil, errors.New("database is locked")
}

func TestStoreFailureAbortsRun(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "batch.csv")
	writeCSV(t, input, "user_id,message\nu1,a\nu2,b\n")

	reporter := &captureReporter{}
	scorer := scorerFunc(func(_ context.Context, _ string) (float64, error) { return 1, nil })

	p := New(source.New(input), nil, scorer, brokenStore{}, reporter, Options{Workers: 2, Progress: NewProgress()})
	state, err := p.Run(context.Background())
	if state != core.RunAborted {
		t.Fatalf("expected aborted run, got %s", state)
	}
	if err == nil {
		t.Fatalf("expected store error to surface")
	}
	if reporter.aggs != nil {
		t.Fatalf("aborted run must not write a report: %+v", reporter.aggs)
	}
}

func TestManyWorkersCompleteLargeBatch(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "batch.csv")

	const (
		users   = 10
		perUser = 20
	)
	var b strings.Builder
	b.WriteString("user_id,message\n")
	for i := 0; i < users*perUser; i++ {
		fmt.Fprintf(&b, "u%d,message %d\n", i%users, i)
	}
	writeCSV(t, input, b.String())

	store := openStore(t, filepath.Join(dir, "cp.db"), aggregate.Combiner{Rule: aggregate.RuleSum, Threshold: float64(perUser) - 0.5})
	reporter := &captureReporter{}
	scorer := scorerFunc(func(_ context.Context, _ string) (float64, error) { return 1, nil })

	progress := NewProgress()
	p := New(source.New(input), nil, scorer, store, reporter, Options{Workers: 8, Progress: progress})

	state, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != core.RunCompleted {
		t.Fatalf("expected completed run, got %s", state)
	}
	if snap := progress.Snapshot(); snap.Scored != users*perUser || snap.Failed != 0 {
		t.Fatalf("unexpected progress: %+v", snap)
	}

	if len(reporter.aggs) != users {
		t.Fatalf("expected %d users in report, got %d", users, len(reporter.aggs))
	}
	var counted int64
	for _, agg := range reporter.aggs {
		if agg.MessageCount != perUser || agg.TotalScore != perUser {
			t.Fatalf("inconsistent aggregate: %+v", agg)
		}
		if !agg.Flagged {
			t.Fatalf("expected every user over threshold: %+v", agg)
		}
		counted += agg.MessageCount
	}
	if counted != users*perUser {
		t.Fatalf("aggregate counts sum to %d, want %d", counted, users*perUser)
	}
}
