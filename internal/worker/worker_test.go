package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/arbor/internal/models"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", Func(func(ctx context.Context, ref models.WorkerRef, facts map[string]models.FactRecord) (*models.Result, error) {
		return &models.Result{Output: "ok"}, nil
	}))

	w, err := r.Lookup("echo")
	require.NoError(t, err)

	res, err := w.Invoke(context.Background(), models.WorkerRef{Worker: "echo"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)

	_, err = r.Lookup("missing")
	assert.Error(t, err)

	assert.Equal(t, []string{"echo"}, r.Names())
}

func TestCommandWorker_RoundTrip(t *testing.T) {
	// The script reads its stdin (the CommandInput document) and answers
	// with a fixed CommandOutput.
	w := NewCommandWorker("/bin/sh", "-c",
		`cat >/dev/null; printf '{"fields":{"artifact":"a.tar"},"metrics":{"coverage":0.9},"output":"done"}'`)

	res, err := w.Invoke(context.Background(), models.WorkerRef{
		Worker:  "builder",
		Payload: map[string]any{"target": "dist"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, "a.tar", res.Fields["artifact"])
	assert.InDelta(t, 0.9, res.Metrics["coverage"], 1e-9)
}

func TestCommandWorker_ReportedError(t *testing.T) {
	w := NewCommandWorker("/bin/sh", "-c",
		`cat >/dev/null; printf '{"error":"no such target"}'`)

	_, err := w.Invoke(context.Background(), models.WorkerRef{Worker: "builder"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such target")
}

func TestCommandWorker_NonZeroExit(t *testing.T) {
	w := NewCommandWorker("/bin/sh", "-c", `cat >/dev/null; echo boom >&2; exit 3`)

	_, err := w.Invoke(context.Background(), models.WorkerRef{Worker: "builder"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCommandWorker_Deadline(t *testing.T) {
	w := NewCommandWorker("/bin/sh", "-c", `cat >/dev/null; sleep 5`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := w.Invoke(ctx, models.WorkerRef{Worker: "slow"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandWorker_MalformedOutput(t *testing.T) {
	w := NewCommandWorker("/bin/sh", "-c", `cat >/dev/null; printf 'not json'`)

	_, err := w.Invoke(context.Background(), models.WorkerRef{Worker: "builder"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode output")
}
