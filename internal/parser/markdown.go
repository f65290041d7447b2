package parser

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/harrison/arbor/internal/models"
)

// MarkdownParser parses Markdown workflow outlines. The tree is written as
// a nested bullet list where each item names a node:
//
//	- sequence pipeline
//	  - leaf gather worker=fetcher fact=raw_data gate=confidence timeout=30s
//	  - loop refine max=5 exit=doc:ready
//	    - leaf draft worker=writer fact=doc
//
// The request text comes from YAML frontmatter ("request: ...").
type MarkdownParser struct {
	markdown goldmark.Markdown
}

// NewMarkdownParser creates a Markdown workflow parser.
func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{
		markdown: goldmark.New(),
	}
}

// markdownFrontmatter is the optional YAML block at the top of the file.
type markdownFrontmatter struct {
	Request string `yaml:"request"`
}

// Parse reads a Markdown outline and builds the task tree.
func (p *MarkdownParser) Parse(r io.Reader) (*Workflow, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	wf := &Workflow{}
	content, frontmatter := extractFrontmatter(content)
	if frontmatter != nil {
		var fm markdownFrontmatter
		if err := yaml.Unmarshal(frontmatter, &fm); err != nil {
			return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
		}
		wf.Request = fm.Request
	}

	doc := p.markdown.Parser().Parse(text.NewReader(content))

	list := firstList(doc)
	if list == nil {
		return nil, fmt.Errorf("workflow outline not found: expected a bullet list")
	}

	items := listItems(list)
	if len(items) != 1 {
		return nil, fmt.Errorf("workflow outline must have exactly one root item, found %d", len(items))
	}

	root, err := buildNode(items[0], content)
	if err != nil {
		return nil, err
	}
	wf.Root = root
	return wf, nil
}

// firstList returns the first top-level bullet list in the document.
func firstList(doc ast.Node) *ast.List {
	for c := doc.FirstChild(); c != nil; c = c.NextSibling() {
		if list, ok := c.(*ast.List); ok {
			return list
		}
	}
	return nil
}

func listItems(list *ast.List) []*ast.ListItem {
	var items []*ast.ListItem
	for c := list.FirstChild(); c != nil; c = c.NextSibling() {
		if item, ok := c.(*ast.ListItem); ok {
			items = append(items, item)
		}
	}
	return items
}

// buildNode converts one list item (and its nested list, if any) into a node.
func buildNode(item *ast.ListItem, source []byte) (*models.Node, error) {
	var line string
	var nested *ast.List

	for c := item.FirstChild(); c != nil; c = c.NextSibling() {
		switch child := c.(type) {
		case *ast.List:
			nested = child
		default:
			if line == "" {
				line = strings.TrimSpace(extractText(child, source))
			}
		}
	}

	node, err := parseNodeLine(line)
	if err != nil {
		return nil, err
	}

	if nested != nil {
		for _, sub := range listItems(nested) {
			c, err := buildNode(sub, source)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, c)
		}
	}

	return node, nil
}

// parseNodeLine parses an outline item of the form "kind id key=value ...".
func parseNodeLine(line string) (*models.Node, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, fmt.Errorf("outline item %q: expected \"kind id [key=value ...]\"", line)
	}

	node := &models.Node{
		ID:    fields[1],
		Kind:  models.NodeKind(fields[0]),
		State: models.StatePending,
	}

	var workerName string
	var alternates []string

	for _, field := range fields[2:] {
		key, value, found := strings.Cut(field, "=")
		if !found {
			return nil, fmt.Errorf("outline item %q: attribute %q is not key=value", line, field)
		}

		switch key {
		case "worker":
			workerName = value
		case "alt":
			alternates = strings.Split(value, ",")
		case "fact":
			node.FactType = value
		case "gate":
			node.Gate = value
		case "timeout":
			dur, err := parseDuration(value)
			if err != nil {
				return nil, fmt.Errorf("outline item %q: invalid timeout %q: %w", line, value, err)
			}
			if node.Worker == nil {
				node.Worker = &models.WorkerRef{}
			}
			node.Worker.Timeout = dur
		case "max":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("outline item %q: invalid max %q", line, value)
			}
			node.MaxIterations = n
		case "exit":
			node.Exit = parseGuardAttr(value)
		case "guard":
			node.Guard = parseGuardAttr(value)
		default:
			return nil, fmt.Errorf("outline item %q: unknown attribute %q", line, key)
		}
	}

	if workerName != "" {
		if node.Worker == nil {
			node.Worker = &models.WorkerRef{}
		}
		node.Worker.Worker = workerName
		node.Worker.Alternates = alternates
	}

	return node, nil
}

// parseGuardAttr parses "fact", "fact:value", or "!fact" into a guard.
func parseGuardAttr(value string) *models.Guard {
	g := &models.Guard{}
	if strings.HasPrefix(value, "!") {
		g.Negate = true
		value = value[1:]
	}
	fact, equals, found := strings.Cut(value, ":")
	g.Fact = fact
	if found {
		g.Equals = equals
	}
	return g
}

// extractText extracts plain text from an AST node
func extractText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
		}
	}
	return buf.String()
}

// extractFrontmatter extracts YAML frontmatter from markdown content
// Returns the content without frontmatter and the frontmatter bytes
func extractFrontmatter(content []byte) ([]byte, []byte) {
	lines := bytes.Split(content, []byte("\n"))

	// Check if starts with ---
	if len(lines) < 3 || !bytes.Equal(bytes.TrimSpace(lines[0]), []byte("---")) {
		return content, nil
	}

	// Find closing ---
	for i := 1; i < len(lines); i++ {
		if bytes.Equal(bytes.TrimSpace(lines[i]), []byte("---")) {
			frontmatter := bytes.Join(lines[1:i], []byte("\n"))
			body := bytes.Join(lines[i+1:], []byte("\n"))
			return body, frontmatter
		}
	}

	// No closing delimiter found
	return content, nil
}
