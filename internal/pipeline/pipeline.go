package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/you/modpipe/internal/core"
	"github.com/you/modpipe/internal/source"
)

// Translator is the external translation collaborator.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang string) (string, error)
}

// Scorer is the external offensiveness-scoring collaborator.
type Scorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// Store is the durable checkpoint bookkeeping. Any error it returns is
// fatal: the run aborts because resume safety cannot be guaranteed without
// the store.
type Store interface {
	LoadStatus(ctx context.Context, id string) (core.Status, bool, error)
	RecordTranslation(ctx context.Context, rec core.MessageRecord, translated string) error
	RecordScore(ctx context.Context, rec core.MessageRecord, score float64) error
	RecordFailure(ctx context.Context, rec core.MessageRecord, reason string) error
	RecordSkip(ctx context.Context, rec core.MessageRecord, reason string) error
	Finalize(ctx context.Context) ([]core.UserAggregate, error)
}

// Source yields message records in input order.
type Source interface {
	Each(skip source.SkipHandler, fn source.Handler) error
}

// Reporter renders the finalized aggregates.
type Reporter interface {
	Write(aggs []core.UserAggregate) error
}

type Options struct {
	Workers    int
	Translate  bool
	TargetLang string // skip translation when the record's language matches
	Metrics    *Metrics
	Progress   *Progress
	Notify     func(Event) // optional live progress hook
}

// Pipeline drives records from the source through translation and scoring
// under a bounded worker pool, checkpointing every transition. Workers share
// no mutable state beyond the store.
type Pipeline struct {
	src        Source
	translator Translator
	scorer     Scorer
	store      Store
	reporter   Reporter
	opts       Options
}

func New(src Source, translator Translator, scorer Scorer, store Store, reporter Reporter, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Pipeline{
		src:        src,
		translator: translator,
		scorer:     scorer,
		store:      store,
		reporter:   reporter,
		opts:       opts,
	}
}

var errAborted = errors.New("pipeline: run aborted")

// Run processes the whole batch and, when every record is terminal,
// finalizes the aggregates and writes the report. A store failure aborts:
// dispatch stops, in-flight workers drain, nothing is finalized.
func (p *Pipeline) Run(ctx context.Context) (core.RunState, error) {
	start := time.Now()
	p.opts.Progress.Reset()

	var (
		fatalOnce sync.Once
		fatalErr  error
	)
	abort := make(chan struct{})
	fail := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			close(abort)
		})
	}

	jobs := make(chan core.MessageRecord)
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				p.process(ctx, rec, fail)
			}
		}()
	}

	dispatchErr := p.src.Each(
		func(rec core.MessageRecord, reason string) {
			log.Printf("pipeline: skipping malformed row %s: %s", rec.ID, reason)
			if err := p.store.RecordSkip(ctx, rec, reason); err != nil {
				fail(err)
				return
			}
			p.opts.Progress.addSkipped()
			p.opts.Metrics.ObserveRecord("skipped")
			p.notify(Event{ID: rec.ID, UserID: rec.UserID, Status: core.StatusSkipped, Reason: reason})
		},
		func(rec core.MessageRecord) error {
			select {
			case <-abort:
				return errAborted
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			status, ok, err := p.store.LoadStatus(ctx, rec.ID)
			if err != nil {
				fail(err)
				return errAborted
			}
			if ok && status.Terminal() {
				p.opts.Progress.addResumed()
				p.opts.Metrics.ObserveRecord("resumed")
				return nil
			}

			select {
			case jobs <- rec:
				p.opts.Progress.addDispatched()
				return nil
			case <-abort:
				return errAborted
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	)
	close(jobs)
	wg.Wait()

	if fatalErr != nil {
		return p.finish(core.RunAborted, start, fatalErr)
	}
	if dispatchErr != nil {
		return p.finish(core.RunAborted, start, dispatchErr)
	}
	if err := ctx.Err(); err != nil {
		return p.finish(core.RunAborted, start, err)
	}

	aggs, err := p.store.Finalize(ctx)
	if err != nil {
		return p.finish(core.RunAborted, start, err)
	}
	if p.reporter != nil {
		if err := p.reporter.Write(aggs); err != nil {
			return p.finish(core.RunAborted, start, err)
		}
	}

	flagged := 0
	for _, agg := range aggs {
		if agg.Flagged {
			flagged++
		}
	}
	p.opts.Metrics.SetFlaggedUsers(flagged)
	log.Printf("pipeline: finalized %d users (%d flagged)", len(aggs), flagged)

	return p.finish(core.RunCompleted, start, nil)
}

func (p *Pipeline) finish(state core.RunState, start time.Time, err error) (core.RunState, error) {
	p.opts.Progress.setState(state)
	p.opts.Metrics.ObserveRun(state, time.Since(start))
	snap := p.opts.Progress.Snapshot()
	log.Printf("pipeline: run %s scored=%d failed=%d skipped=%d resumed=%d",
		state, snap.Scored, snap.Failed, snap.Skipped, snap.Resumed)
	return state, err
}

// process is one worker's unit of work: translate (if applicable), score,
// checkpoint. Remote failures are absorbed here and recorded against the
// record; only store errors escalate through fail.
func (p *Pipeline) process(ctx context.Context, rec core.MessageRecord, fail func(error)) {
	text := rec.RawText

	if p.shouldTranslate(rec) {
		translated, err := p.translator.Translate(ctx, rec.RawText, rec.Language)
		if err != nil {
			p.recordFailure(ctx, rec, "translate: "+err.Error(), fail)
			return
		}
		rec.TranslatedText = translated
		rec.Status = core.StatusTranslated
		if err := p.store.RecordTranslation(ctx, rec, translated); err != nil {
			fail(err)
			return
		}
		text = translated
	}

	score, err := p.scorer.Score(ctx, text)
	if err != nil {
		p.recordFailure(ctx, rec, "score: "+err.Error(), fail)
		return
	}

	if err := p.store.RecordScore(ctx, rec, score); err != nil {
		fail(err)
		return
	}
	p.opts.Progress.addScored()
	p.opts.Metrics.ObserveRecord("scored")
	p.notify(Event{ID: rec.ID, UserID: rec.UserID, Status: core.StatusScored, Score: score})
}

func (p *Pipeline) shouldTranslate(rec core.MessageRecord) bool {
	if !p.opts.Translate || p.translator == nil {
		return false
	}
	if p.opts.TargetLang != "" && rec.Language == p.opts.TargetLang {
		return false
	}
	return true
}

func (p *Pipeline) recordFailure(ctx context.Context, rec core.MessageRecord, reason string, fail func(error)) {
	log.Printf("pipeline: record %s failed: %s", rec.ID, reason)
	if err := p.store.RecordFailure(ctx, rec, reason); err != nil {
		fail(err)
		return
	}
	p.opts.Progress.addFailed()
	p.opts.Metrics.ObserveRecord("failed")
	p.notify(Event{ID: rec.ID, UserID: rec.UserID, Status: core.StatusFailed, Reason: reason})
}

func (p *Pipeline) notify(ev Event) {
	if p.opts.Notify != nil {
		p.opts.Notify(ev)
	}
}
