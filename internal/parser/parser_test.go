package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/arbor/internal/models"
)

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		filename string
		want     Format
	}{
		{"workflow.yaml", FormatYAML},
		{"workflow.yml", FormatYAML},
		{"workflow.md", FormatMarkdown},
		{"workflow.markdown", FormatMarkdown},
		{"WORKFLOW.YAML", FormatYAML},
		{"workflow.txt", FormatUnknown},
		{"workflow", FormatUnknown},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, DetectFormat(tc.filename), tc.filename)
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30m", 30 * time.Minute},
		{"1h", time.Hour},
		{"2h30m", 2*time.Hour + 30*time.Minute},
		{"45s", 45 * time.Second},
	}
	for _, tc := range cases {
		got, err := parseDuration(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := parseDuration("soon")
	assert.Error(t, err)
}

func TestParseYAMLWorkflow(t *testing.T) {
	doc := `
workflow:
  request: analyze the quarterly numbers
  root:
    id: pipeline
    kind: sequence
    children:
      - id: gather
        kind: leaf
        worker: fetcher
        fact_type: raw_data
        gate: confidence
        timeout: 30s
        alternates: [backup-fetcher]
        payload:
          source: warehouse
      - id: analyze
        kind: fallback
        children:
          - id: deep
            kind: leaf
            worker: deep-analyzer
          - id: shallow
            kind: leaf
            worker: shallow-analyzer
      - id: refine
        kind: loop
        max_iterations: 5
        exit:
          fact: report
          equals: ready
        children:
          - id: draft
            kind: leaf
            worker: writer
            fact_type: report
`

	wf, err := NewYAMLParser().Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.NoError(t, wf.Root.Validate())

	assert.Equal(t, "analyze the quarterly numbers", wf.Request)
	assert.Equal(t, "sequence(leaf,fallback(leaf,leaf),loop(leaf))", wf.Root.Shape())

	gather := wf.Root.Children[0]
	require.NotNil(t, gather.Worker)
	assert.Equal(t, "fetcher", gather.Worker.Worker)
	assert.Equal(t, []string{"backup-fetcher"}, gather.Worker.Alternates)
	assert.Equal(t, 30*time.Second, gather.Worker.Timeout)
	assert.Equal(t, "warehouse", gather.Worker.Payload["source"])
	assert.Equal(t, "raw_data", gather.FactType)
	assert.Equal(t, "confidence", gather.Gate)

	loop := wf.Root.Children[2]
	assert.Equal(t, 5, loop.MaxIterations)
	require.NotNil(t, loop.Exit)
	assert.Equal(t, "report", loop.Exit.Fact)
	assert.Equal(t, "ready", loop.Exit.Equals)
}

func TestParseYAMLWorkflowConditional(t *testing.T) {
	doc := `
workflow:
  root:
    id: branch
    kind: conditional
    children:
      - id: fast
        kind: leaf
        worker: w
        guard:
          fact: mode
          equals: fast
      - id: slow
        kind: leaf
        worker: w
        guard:
          fact: mode
          negate: true
`

	wf, err := NewYAMLParser().Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.NoError(t, wf.Root.Validate())

	require.NotNil(t, wf.Root.Children[0].Guard)
	assert.Equal(t, "fast", wf.Root.Children[0].Guard.Equals)
	assert.True(t, wf.Root.Children[1].Guard.Negate)
}

func TestParseYAMLMissingRoot(t *testing.T) {
	_, err := NewYAMLParser().Parse(strings.NewReader("workflow:\n  request: hi\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow.root is required")
}

func TestParseYAMLInvalidTimeout(t *testing.T) {
	doc := `
workflow:
  root:
    id: a
    kind: leaf
    worker: w
    timeout: eventually
`
	_, err := NewYAMLParser().Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timeout")
}

func TestParseMarkdownOutline(t *testing.T) {
	doc := `---
request: summarize customer feedback
---

# Feedback workflow

- sequence pipeline
  - leaf gather worker=fetcher fact=raw_data gate=confidence timeout=30s alt=backup,offline
  - loop refine max=5 exit=report:ready
    - leaf draft worker=writer fact=report
  - conditional publish
    - leaf wide worker=publisher guard=mode:wide
    - leaf narrow worker=publisher guard=!mode
`

	wf, err := NewMarkdownParser().Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.NoError(t, wf.Root.Validate())

	assert.Equal(t, "summarize customer feedback", wf.Request)
	assert.Equal(t, "sequence(leaf,loop(leaf),conditional(leaf,leaf))", wf.Root.Shape())

	gather := wf.Root.Children[0]
	require.NotNil(t, gather.Worker)
	assert.Equal(t, "fetcher", gather.Worker.Worker)
	assert.Equal(t, []string{"backup", "offline"}, gather.Worker.Alternates)
	assert.Equal(t, 30*time.Second, gather.Worker.Timeout)
	assert.Equal(t, "confidence", gather.Gate)

	loop := wf.Root.Children[1]
	assert.Equal(t, 5, loop.MaxIterations)
	require.NotNil(t, loop.Exit)
	assert.Equal(t, "report", loop.Exit.Fact)
	assert.Equal(t, "ready", loop.Exit.Equals)

	cond := wf.Root.Children[2]
	assert.Equal(t, "wide", cond.Children[0].Guard.Equals)
	assert.True(t, cond.Children[1].Guard.Negate)
	assert.Equal(t, "mode", cond.Children[1].Guard.Fact)
}

func TestParseMarkdownRejectsMalformedItems(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "no list",
			doc:  "# Just a heading\n\nprose only\n",
			want: "outline not found",
		},
		{
			name: "multiple roots",
			doc:  "- sequence a\n- sequence b\n",
			want: "exactly one root",
		},
		{
			name: "bare item",
			doc:  "- sequence\n",
			want: "kind id",
		},
		{
			name: "unknown attribute",
			doc:  "- leaf a worker=w color=red\n",
			want: "unknown attribute",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewMarkdownParser().Parse(strings.NewReader(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseFileValidatesTree(t *testing.T) {
	dir := t.TempDir()

	// A loop without an exit predicate parses but fails validation.
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
workflow:
  root:
    id: loop
    kind: loop
    max_iterations: 3
    children:
      - id: body
        kind: leaf
        worker: w
`), 0o644))

	_, err := ParseFile(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit predicate")

	good := filepath.Join(dir, "good.md")
	require.NoError(t, os.WriteFile(good, []byte("- leaf only worker=w\n"), 0o644))

	wf, err := ParseFile(good)
	require.NoError(t, err)
	assert.Equal(t, models.KindLeaf, wf.Root.Kind)
	assert.Equal(t, good, wf.FilePath)
}

func TestParseFileUnknownExtension(t *testing.T) {
	_, err := ParseFile("workflow.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown file format")
}
