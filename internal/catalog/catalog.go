// Package catalog is the tool and workflow catalog: which slugs exist, whether
// they are enabled, their default rate limits, where the engine runs them, and
// the JSON Schema their input must satisfy.
//
// The catalog is loaded from a YAML file and can be hot-reloaded; readers
// always see a complete, immutable snapshot.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/relay/internal/model"
)

// Catalog answers "given a tool slug, is it enabled, what is its rate limit,
// and where does it execute".
type Catalog interface {
	Tool(slug string) (model.Tool, bool)
	Workflow(id string) (model.Workflow, bool)
	Tools() []model.Tool
	ValidateInput(slug string, input json.RawMessage) error
}

type fileFormat struct {
	Tools     []toolEntry     `yaml:"tools"`
	Workflows []workflowEntry `yaml:"workflows"`
}

type toolEntry struct {
	Slug               string         `yaml:"slug"`
	Name               string         `yaml:"name"`
	Description        string         `yaml:"description"`
	Enabled            *bool          `yaml:"enabled"`
	MinPlan            string         `yaml:"min_plan"`
	RequiredFeature    string         `yaml:"required_feature"`
	RateLimitPerMinute *int           `yaml:"rate_limit_per_minute"`
	WorkflowID         string         `yaml:"workflow_id"`
	Path               string         `yaml:"path"`
	InputSchema        map[string]any `yaml:"input_schema"`
}

type workflowEntry struct {
	ID      string `yaml:"id"`
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// snapshot is one immutable parsed catalog.
type snapshot struct {
	tools     map[string]model.Tool
	schemas   map[string]*jsonschema.Schema
	workflows map[string]model.Workflow
}

// Static is a catalog that never changes after construction.
type Static struct {
	snap atomic.Pointer[snapshot]
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Static, error) {
	snap, err := parse(data)
	if err != nil {
		return nil, err
	}
	s := &Static{}
	s.snap.Store(snap)
	return s, nil
}

// Load reads and parses a catalog file.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

func parse(data []byte) (*snapshot, error) {
	var f fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("catalog: decode yaml: %w", err)
	}

	snap := &snapshot{
		tools:     make(map[string]model.Tool, len(f.Tools)),
		schemas:   make(map[string]*jsonschema.Schema),
		workflows: make(map[string]model.Workflow, len(f.Workflows)),
	}
	for i, e := range f.Tools {
		tool := model.Tool{
			Slug:               e.Slug,
			Name:               e.Name,
			Description:        e.Description,
			Enabled:            e.Enabled == nil || *e.Enabled,
			MinPlan:            e.MinPlan,
			RequiredFeature:    e.RequiredFeature,
			RateLimitPerMinute: e.RateLimitPerMinute,
			Target:             model.Target{WorkflowID: e.WorkflowID, Path: e.Path},
		}
		if err := (model.RunToolRequest{ToolSlug: tool.Slug}).Validate(); err != nil {
			return nil, fmt.Errorf("catalog: tools[%d]: %w", i, err)
		}
		if _, dup := snap.tools[tool.Slug]; dup {
			return nil, fmt.Errorf("catalog: duplicate tool slug %q", tool.Slug)
		}
		if tool.Target.Path == "" {
			return nil, fmt.Errorf("catalog: tool %q has no path", tool.Slug)
		}
		if tool.Name == "" {
			tool.Name = tool.Slug
		}
		if e.InputSchema != nil {
			raw, err := json.Marshal(e.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("catalog: tool %q: encode input_schema: %w", tool.Slug, err)
			}
			schema, err := compileSchema(tool.Slug, raw)
			if err != nil {
				return nil, err
			}
			tool.InputSchema = raw
			snap.schemas[tool.Slug] = schema
		}
		snap.tools[tool.Slug] = tool
	}
	for i, e := range f.Workflows {
		if strings.TrimSpace(e.ID) == "" {
			return nil, fmt.Errorf("catalog: workflows[%d]: id is required", i)
		}
		if _, dup := snap.workflows[e.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate workflow id %q", e.ID)
		}
		if e.Path == "" {
			return nil, fmt.Errorf("catalog: workflow %q has no path", e.ID)
		}
		snap.workflows[e.ID] = model.Workflow{
			ID:      e.ID,
			Enabled: e.Enabled == nil || *e.Enabled,
			Target:  model.Target{WorkflowID: e.ID, Path: e.Path},
		}
	}
	return snap, nil
}

func compileSchema(slug string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("catalog: tool %q: unmarshal input_schema: %w", slug, err)
	}
	url := "relay://tools/" + slug + "/input.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("catalog: tool %q: add schema resource: %w", slug, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("catalog: tool %q: compile input_schema: %w", slug, err)
	}
	return schema, nil
}

// Tool returns the tool with the given slug.
func (s *Static) Tool(slug string) (model.Tool, bool) {
	t, ok := s.snap.Load().tools[slug]
	return t, ok
}

// Workflow returns the automation workflow with the given id.
func (s *Static) Workflow(id string) (model.Workflow, bool) {
	w, ok := s.snap.Load().workflows[id]
	return w, ok
}

// Tools returns all tools sorted by slug.
func (s *Static) Tools() []model.Tool {
	snap := s.snap.Load()
	out := make([]model.Tool, 0, len(snap.tools))
	for _, t := range snap.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// ValidateInput checks input against the tool's schema. Tools without a
// schema accept any JSON. Violations wrap model.ErrInvalidInput.
func (s *Static) ValidateInput(slug string, input json.RawMessage) error {
	schema, ok := s.snap.Load().schemas[slug]
	if !ok {
		return nil
	}
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return fmt.Errorf("%w: toolInput is not valid JSON", model.ErrInvalidInput)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: toolInput: %v", model.ErrInvalidInput, err)
	}
	return nil
}

func (s *Static) replace(snap *snapshot) {
	s.snap.Store(snap)
}
