// Package tools implements the builtin workspace tools offered to the
// provider alongside MCP-discovered tools.
package tools

import (
	"context"
	"sort"

	"github.com/nextlevelbuilder/codial/internal/providers"
)

// Tool is one callable builtin.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Result is the outcome of one tool execution.
type Result struct {
	OK       bool           `json:"ok"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Ok builds a success result.
func Ok(output string) *Result { return &Result{OK: true, Output: output} }

// OkMeta builds a success result with metadata.
func OkMeta(output string, meta map[string]any) *Result {
	return &Result{OK: true, Output: output, Metadata: meta}
}

// Fail builds an error result.
func Fail(message string) *Result { return &Result{OK: false, Error: message} }

// Registry indexes builtins by name.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// DefaultRegistry registers the standard builtin set over a workspace.
func DefaultRegistry(workspace string) *Registry {
	r := NewRegistry()
	// file_read and hashline_edit share one ledger: edits are refused
	// until the file's current content has been read.
	reads := newReadLedger()
	r.Register(NewWebFetchTool())
	r.Register(NewShellTool(workspace))
	r.Register(NewFileReadTool(workspace, reads))
	r.Register(NewHashlineEditTool(workspace, reads))
	r.Register(NewFileWriteTool(workspace))
	r.Register(NewGlobTool(workspace))
	r.Register(NewGrepTool(workspace))
	return r
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t Tool) { r.tools[t.Name()] = t }

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs renders the registry as provider tool specs, sorted by name.
func (r *Registry) Specs() []providers.ToolSpec {
	specs := make([]providers.ToolSpec, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		specs = append(specs, providers.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return specs
}
