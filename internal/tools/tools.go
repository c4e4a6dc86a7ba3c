// Package tools implements the deterministic tool registry the action
// registry hands off to: each tool exposes execute(args) -> {status,
// result, error, metadata} and enforces its own authorization against a
// policy.Checker. The core never encodes tool policy in prompts.
package tools

import (
	"context"

	"github.com/basket/nervecore/internal/policy"
)

// Status is the terminal outcome of a tool invocation.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Result is the uniform shape every tool returns, regardless of what it does.
type Result struct {
	Status   Status         `json:"status"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func ok(result any, metadata map[string]any) Result {
	return Result{Status: StatusOK, Result: result, Metadata: metadata}
}

func failed(err error) Result {
	return Result{Status: StatusFailed, Error: err.Error()}
}

// Tool is a single named, deterministic capability.
type Tool interface {
	Name() string
	Capability() string
	Execute(ctx context.Context, args map[string]any) Result
}

// Registry maps tool names to implementations and gates every call through
// a policy.Checker capability check before dispatch.
type Registry struct {
	Policy policy.Checker
	tools  map[string]Tool
}

// NewRegistry builds the registry with the built-in tool set. pol may be
// nil, in which case every capability check fails closed.
func NewRegistry(pol policy.Checker) *Registry {
	r := &Registry{Policy: pol, tools: make(map[string]Tool)}
	r.Register(&ShellTool{Executor: &HostExecutor{}})
	r.Register(&ReadFileTool{Policy: pol})
	r.Register(&WriteFileTool{Policy: pol})
	r.Register(&ListDirectoryTool{Policy: pol})
	r.Register(&ReadURLTool{Policy: pol})
	return r
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Execute looks up a tool by name, checks policy, and runs it. An unknown
// tool name or a denied capability both surface as a failed Result rather
// than an error, matching the tool contract's own status field.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) Result {
	t, exists := r.tools[name]
	if !exists {
		return failed(errUnknownTool(name))
	}
	if r.Policy == nil || !r.Policy.AllowCapability(t.Capability()) {
		return failed(errCapabilityDenied(t.Capability()))
	}
	return t.Execute(ctx, args)
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
