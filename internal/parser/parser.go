// Package parser loads workflow definitions from disk and turns them into
// executable task trees. Two formats are supported: YAML documents and
// Markdown outlines, detected by file extension.
package parser

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/harrison/arbor/internal/models"
)

// Format represents the format of a workflow file
type Format int

const (
	// FormatUnknown represents an unknown or unsupported file format
	FormatUnknown Format = iota
	// FormatMarkdown represents a Markdown (.md, .markdown) workflow file
	FormatMarkdown
	// FormatYAML represents a YAML (.yaml, .yml) workflow file
	FormatYAML
)

// String returns the string representation of the Format
func (f Format) String() string {
	switch f {
	case FormatMarkdown:
		return "markdown"
	case FormatYAML:
		return "yaml"
	default:
		return "unknown"
	}
}

// Workflow is a parsed workflow definition: the free-form request text it
// answers plus the task tree to execute.
type Workflow struct {
	Request  string
	Root     *models.Node
	FilePath string
}

// Parser is the interface that all workflow parsers must implement
type Parser interface {
	// Parse reads from an io.Reader and returns a parsed Workflow
	Parse(r io.Reader) (*Workflow, error)
}

// DetectFormat automatically detects the workflow format based on file
// extension. Supported extensions:
//   - .md, .markdown -> FormatMarkdown
//   - .yaml, .yml -> FormatYAML
//   - all others -> FormatUnknown
func DetectFormat(filename string) Format {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatUnknown
	}
}

// NewParser creates a new parser instance for the specified format
// Returns an error if the format is unknown or unsupported
func NewParser(format Format) (Parser, error) {
	switch format {
	case FormatMarkdown:
		return NewMarkdownParser(), nil
	case FormatYAML:
		return NewYAMLParser(), nil
	default:
		return nil, fmt.Errorf("unsupported format: %v", format)
	}
}

// ParseFile auto-detects the format from the extension, opens the file,
// parses it, and validates the resulting tree. This is the recommended way
// to load workflow files from disk.
func ParseFile(path string) (*Workflow, error) {
	format := DetectFormat(path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("unknown file format: %s (supported: .md, .markdown, .yaml, .yml)", path)
	}

	p, err := NewParser(format)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	wf, err := p.Parse(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}

	if err := wf.Root.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow tree: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	wf.FilePath = abs
	return wf, nil
}

// parseDuration parses time strings like "30m", "1h", "2h30m"
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)

	// Simple patterns: "30m", "1h", "2h"
	simpleRegex := regexp.MustCompile(`^(\d+)([mh])$`)
	if matches := simpleRegex.FindStringSubmatch(s); len(matches) > 2 {
		val, _ := strconv.Atoi(matches[1])
		if matches[2] == "m" {
			return time.Duration(val) * time.Minute, nil
		}
		return time.Duration(val) * time.Hour, nil
	}

	// Complex pattern: "2h30m"
	complexRegex := regexp.MustCompile(`^(\d+)h(\d+)m$`)
	if matches := complexRegex.FindStringSubmatch(s); len(matches) > 2 {
		hours, _ := strconv.Atoi(matches[1])
		minutes, _ := strconv.Atoi(matches[2])
		return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute, nil
	}

	// Fall through to standard Go duration parsing ("45s", "1.5h")
	return time.ParseDuration(s)
}
