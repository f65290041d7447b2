package parser

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/harrison/arbor/internal/models"
)

// YAMLParser parses YAML workflow documents.
type YAMLParser struct{}

// NewYAMLParser creates a YAML workflow parser.
func NewYAMLParser() *YAMLParser {
	return &YAMLParser{}
}

// yamlWorkflow is the top-level document structure.
type yamlWorkflow struct {
	Workflow struct {
		Request string    `yaml:"request"`
		Root    *yamlNode `yaml:"root"`
	} `yaml:"workflow"`
}

// yamlNode mirrors one tree node. Guard and exit predicates use the
// compact "fact", "equals", "negate" mapping shared with configuration.
type yamlNode struct {
	ID            string         `yaml:"id"`
	Kind          string         `yaml:"kind"`
	Children      []*yamlNode    `yaml:"children,omitempty"`
	Worker        string         `yaml:"worker,omitempty"`
	Payload       map[string]any `yaml:"payload,omitempty"`
	Alternates    []string       `yaml:"alternates,omitempty"`
	Timeout       string         `yaml:"timeout,omitempty"`
	FactType      string         `yaml:"fact_type,omitempty"`
	Gate          string         `yaml:"gate,omitempty"`
	Guard         *yamlGuard     `yaml:"guard,omitempty"`
	Exit          *yamlGuard     `yaml:"exit,omitempty"`
	MaxIterations int            `yaml:"max_iterations,omitempty"`
}

type yamlGuard struct {
	Fact   string `yaml:"fact"`
	Equals string `yaml:"equals,omitempty"`
	Negate bool   `yaml:"negate,omitempty"`
}

// Parse reads a YAML workflow document and builds the task tree.
func (p *YAMLParser) Parse(r io.Reader) (*Workflow, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	var doc yamlWorkflow
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if doc.Workflow.Root == nil {
		return nil, fmt.Errorf("workflow.root is required")
	}

	root, err := doc.Workflow.Root.toNode()
	if err != nil {
		return nil, err
	}

	return &Workflow{
		Request: doc.Workflow.Request,
		Root:    root,
	}, nil
}

// toNode converts the YAML shape into the executable node type, parsing
// durations and wiring guards. Structural validation is left to the tree's
// own Validate so YAML and Markdown inputs share one rule set.
func (y *yamlNode) toNode() (*models.Node, error) {
	node := &models.Node{
		ID:            y.ID,
		Kind:          models.NodeKind(y.Kind),
		FactType:      y.FactType,
		Gate:          y.Gate,
		MaxIterations: y.MaxIterations,
		State:         models.StatePending,
	}

	if y.Worker != "" {
		node.Worker = &models.WorkerRef{
			Worker:     y.Worker,
			Payload:    y.Payload,
			Alternates: y.Alternates,
		}
		if y.Timeout != "" {
			dur, err := parseDuration(y.Timeout)
			if err != nil {
				return nil, fmt.Errorf("node %s: invalid timeout %q: %w", y.ID, y.Timeout, err)
			}
			node.Worker.Timeout = dur
		}
	}

	if y.Guard != nil {
		node.Guard = &models.Guard{Fact: y.Guard.Fact, Equals: y.Guard.Equals, Negate: y.Guard.Negate}
	}
	if y.Exit != nil {
		node.Exit = &models.Guard{Fact: y.Exit.Fact, Equals: y.Exit.Equals, Negate: y.Exit.Negate}
	}

	for _, child := range y.Children {
		c, err := child.toNode()
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, c)
	}

	return node, nil
}
