// Package memory provides the durable append-only store shared by nodes
// during a run. It keeps two logs per project with one physical format:
// working memory (verified facts for the current run) and episodic memory
// (summaries of completed runs). Records are newline-delimited JSON,
// immutable once appended.
package memory

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/harrison/arbor/internal/models"
)

// ErrStorageFatal wraps any I/O failure of the store. Such failures abort
// the whole run; callers detect them with errors.Is.
var ErrStorageFatal = errors.New("memory store I/O failure")

// ErrNotFound is returned when no record exists for a run and fact type.
var ErrNotFound = errors.New("fact not found")

const (
	workingFile = "working.jsonl"
	episodeFile = "episodes.jsonl"
	lockFile    = ".memory.lock"
)

type factKey struct {
	runID    string
	factType string
}

// Log is the append-only memory store. A single Log is safe for concurrent
// use by the goroutines of one process; appends are additionally guarded by
// a flock so concurrent processes sharing the project directory interleave
// whole lines rather than corrupting the log.
type Log struct {
	mu  sync.Mutex
	dir string
	flk *flock.Flock

	working  *os.File
	episodes *os.File

	// Read-side indexes, rebuilt from the logs on Open and maintained on
	// every append. Readers always see the most recent record per key.
	latest       map[factKey]models.FactRecord
	episodeByID  map[string]models.EpisodeRecord
	episodeOrder []string
}

// Open opens (creating if necessary) the memory logs under dir and rebuilds
// the read indexes from their contents.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create memory directory: %v", ErrStorageFatal, err)
	}

	l := &Log{
		dir:         dir,
		flk:         flock.New(filepath.Join(dir, lockFile)),
		latest:      make(map[factKey]models.FactRecord),
		episodeByID: make(map[string]models.EpisodeRecord),
	}

	if err := l.loadWorking(); err != nil {
		return nil, err
	}
	if err := l.loadEpisodes(); err != nil {
		return nil, err
	}

	var err error
	l.working, err = openAppend(filepath.Join(dir, workingFile))
	if err != nil {
		return nil, err
	}
	l.episodes, err = openAppend(filepath.Join(dir, episodeFile))
	if err != nil {
		l.working.Close()
		return nil, err
	}
	return l, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageFatal, filepath.Base(path), err)
	}
	return f, nil
}

func (l *Log) loadWorking() error {
	return readLines(filepath.Join(l.dir, workingFile), func(line []byte) error {
		var rec models.FactRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn trailing line from a crashed writer is skipped; the
			// log before it is intact.
			return nil
		}
		l.latest[factKey{rec.RunID, rec.FactType}] = rec
		return nil
	})
}

func (l *Log) loadEpisodes() error {
	return readLines(filepath.Join(l.dir, episodeFile), func(line []byte) error {
		var rec models.EpisodeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil
		}
		if _, dup := l.episodeByID[rec.EpisodeID]; !dup {
			l.episodeOrder = append(l.episodeOrder, rec.EpisodeID)
		}
		l.episodeByID[rec.EpisodeID] = rec
		return nil
	})
}

func readLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: open %s: %v", ErrStorageFatal, filepath.Base(path), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrStorageFatal, filepath.Base(path), err)
	}
	return nil
}

// Close releases the underlying file handles.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, f := range []*os.File{l.working, l.episodes} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.working, l.episodes = nil, nil
	return firstErr
}

// Write appends a fact record to working memory. The record's timestamp is
// set to the current time if unset. Any I/O failure wraps ErrStorageFatal.
func (l *Log) Write(rec models.FactRecord) error {
	if rec.RunID == "" || rec.FactType == "" {
		return fmt.Errorf("fact record requires run_id and fact_type")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.appendLine(l.working, rec); err != nil {
		return err
	}
	l.latest[factKey{rec.RunID, rec.FactType}] = rec
	return nil
}

// ReadLatest returns the most recent record for the fact type, scoped to the
// run. Returns ErrNotFound when no node has produced the fact yet.
func (l *Log) ReadLatest(runID, factType string) (models.FactRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.latest[factKey{runID, factType}]
	if !ok {
		return models.FactRecord{}, fmt.Errorf("%w: %s/%s", ErrNotFound, runID, factType)
	}
	return rec, nil
}

// Snapshot returns the latest record per fact type for a run. The returned
// map is a copy; later writes do not mutate it, so leaves can hold it across
// a worker invocation without racing writers.
func (l *Log) Snapshot(runID string) map[string]models.FactRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := make(map[string]models.FactRecord)
	for key, rec := range l.latest {
		if key.runID == runID {
			snap[key.factType] = rec
		}
	}
	return snap
}

// WriteEpisode appends an episode record. Retrying with an episode id that
// was already written is a no-op, making the terminal write idempotent.
func (l *Log) WriteEpisode(rec models.EpisodeRecord) error {
	if rec.EpisodeID == "" {
		return fmt.Errorf("episode record requires episode_id")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.episodeByID[rec.EpisodeID]; dup {
		return nil
	}
	if err := l.appendLine(l.episodes, rec); err != nil {
		return err
	}
	l.episodeByID[rec.EpisodeID] = rec
	l.episodeOrder = append(l.episodeOrder, rec.EpisodeID)
	return nil
}

func (l *Log) appendLine(f *os.File, v any) error {
	if f == nil {
		return fmt.Errorf("%w: log is closed", ErrStorageFatal)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal record: %v", ErrStorageFatal, err)
	}
	data = append(data, '\n')

	if err := l.flk.Lock(); err != nil {
		return fmt.Errorf("%w: acquire lock: %v", ErrStorageFatal, err)
	}
	defer l.flk.Unlock()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: append record: %v", ErrStorageFatal, err)
	}
	return nil
}

// FindEpisodes returns a restartable iterator over episode records whose
// fingerprint starts with prefix, ordered most recent first. An empty prefix
// matches every episode. The iterator reads a point-in-time view; episodes
// appended afterward are not surfaced until a new iterator is created.
func (l *Log) FindEpisodes(prefix string) *EpisodeIterator {
	l.mu.Lock()
	defer l.mu.Unlock()

	var matched []models.EpisodeRecord
	for i := len(l.episodeOrder) - 1; i >= 0; i-- {
		rec := l.episodeByID[l.episodeOrder[i]]
		if prefix == "" || hasPrefix(rec.Fingerprint, prefix) {
			matched = append(matched, rec)
		}
	}
	return &EpisodeIterator{records: matched}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// EpisodeIterator is a finite, restartable cursor over matched episodes.
type EpisodeIterator struct {
	records []models.EpisodeRecord
	pos     int
}

// Next returns the next episode and true, or a zero record and false once
// the iterator is exhausted.
func (it *EpisodeIterator) Next() (models.EpisodeRecord, bool) {
	if it.pos >= len(it.records) {
		return models.EpisodeRecord{}, false
	}
	rec := it.records[it.pos]
	it.pos++
	return rec, true
}

// Reset rewinds the iterator to its first record.
func (it *EpisodeIterator) Reset() {
	it.pos = 0
}

// Len returns the number of matched episodes.
func (it *EpisodeIterator) Len() int {
	return len(it.records)
}
