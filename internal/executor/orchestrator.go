package executor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/arbor/internal/episode"
	"github.com/harrison/arbor/internal/memory"
	"github.com/harrison/arbor/internal/models"
)

// EpisodeStore is the episodic-memory surface the orchestrator records to
// and seeds from. The append-only log implements it directly.
type EpisodeStore interface {
	WriteEpisode(rec models.EpisodeRecord) error
	FindEpisodes(prefix string) *memory.EpisodeIterator
}

// EpisodeIndex is the optional SQLite lookup cache consulted before the
// log when seeding. Index failures degrade to the log; they never abort
// a run.
type EpisodeIndex interface {
	Record(ctx context.Context, rec models.EpisodeRecord) error
	FindByFingerprint(ctx context.Context, prefix string, limit int) ([]models.EpisodeRecord, error)
}

// Orchestrator runs a whole request: fingerprint, seed from episodic
// memory, execute the tree, and record the terminal episode.
type Orchestrator struct {
	engine        *Engine
	episodes      EpisodeStore
	index         EpisodeIndex
	fingerprinter *episode.Fingerprinter
	logger        Logger
}

// NewOrchestrator wires an orchestrator. The index is optional.
func NewOrchestrator(engine *Engine, episodes EpisodeStore, index EpisodeIndex, logger Logger) (*Orchestrator, error) {
	if engine == nil {
		return nil, fmt.Errorf("orchestrator requires an engine")
	}
	if episodes == nil {
		return nil, fmt.Errorf("orchestrator requires an episode store")
	}
	return &Orchestrator{
		engine:        engine,
		episodes:      episodes,
		index:         index,
		fingerprinter: episode.NewFingerprinter(),
		logger:        logger,
	}, nil
}

// Run executes the tree for one request and returns its summary. An
// ordinary failed tree reports through the summary with OutcomeAborted and
// a nil error; a non-nil error signals a run-fatal condition (storage
// failure, retry-ceiling exhaustion), returned alongside the Aborted
// summary when the episode could still be recorded.
func (o *Orchestrator) Run(ctx context.Context, request string, root *models.Node) (*models.RunSummary, error) {
	if err := root.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task tree: %w", err)
	}

	runID := uuid.NewString()
	fp := o.fingerprinter.Fingerprint(request)
	started := time.Now()

	seededFrom := o.seed(ctx, fp.Normalized)
	if seededFrom != "" {
		o.infof("run %s: seeded hints from episode %s", runID, seededFrom)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	o.engine.coord.Reset()
	_, execErr := o.engine.Execute(ctx, runID, root)
	duration := time.Since(started)

	outcome := models.OutcomeCompleted
	if execErr != nil || root.State != models.StateSucceeded {
		outcome = models.OutcomeAborted
	}

	rec := models.EpisodeRecord{
		EpisodeID:   uuid.NewString(),
		Fingerprint: fp.Normalized,
		TreeShape:   root.Shape(),
		Outcome:     outcome,
		DurationMS:  duration.Milliseconds(),
		Timestamp:   time.Now().UTC(),
	}
	if root.Failure != nil {
		rec.Diagnostic = fmt.Sprintf("%s: %s", root.Failure.Kind, root.Failure.Diagnostic)
	}

	if err := o.episodes.WriteEpisode(rec); err != nil {
		// Running out of storage at the end of an otherwise clean run still
		// aborts it: a run whose episode cannot be recorded never happened
		// as far as future planning is concerned.
		o.errorf("run %s: record episode: %v", runID, err)
		if execErr == nil {
			execErr = err
		}
		outcome = models.OutcomeAborted
		rec.Outcome = outcome
	} else if o.index != nil {
		if err := o.index.Record(ctx, rec); err != nil {
			o.warnf("run %s: episode index update failed: %v", runID, err)
		}
	}

	summary := models.NewRunSummary(runID, root)
	summary.EpisodeID = rec.EpisodeID
	summary.Outcome = outcome
	summary.Duration = duration
	summary.SeededFrom = seededFrom
	summary.TotalRetries = o.engine.coord.TotalRetries()

	o.infof("run %s: %s in %s (%d retr%s)", runID, outcome, duration.Round(time.Millisecond),
		summary.TotalRetries, pluralY(summary.TotalRetries))
	return summary, execErr
}

// seed looks up prior episodes with a matching fingerprint and returns the
// most recent completed one's id, preferring the SQLite index and falling
// back to the log. Seeding is strictly read-only.
func (o *Orchestrator) seed(ctx context.Context, fingerprint string) string {
	if o.index != nil {
		matches, err := o.index.FindByFingerprint(ctx, fingerprint, 10)
		if err == nil {
			for _, m := range matches {
				if m.Outcome == models.OutcomeCompleted {
					return m.EpisodeID
				}
			}
			return ""
		}
		o.warnf("episode index lookup failed, falling back to log: %v", err)
	}

	it := o.episodes.FindEpisodes(fingerprint)
	for {
		rec, ok := it.Next()
		if !ok {
			return ""
		}
		if rec.Outcome == models.OutcomeCompleted {
			return rec.EpisodeID
		}
	}
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func (o *Orchestrator) infof(format string, args ...any) {
	if o.logger != nil {
		o.logger.Infof(format, args...)
	}
}

func (o *Orchestrator) warnf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Warnf(format, args...)
	}
}

func (o *Orchestrator) errorf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Errorf(format, args...)
	}
}
