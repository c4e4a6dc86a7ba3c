// Package plans implements the plan kind/version registry and the
// executor that claims queued plan instances and dispatches them to a
// bound executor (§4.8). A plan kind version pins a JSON schema, an
// example payload, and an executor_key; instances are validated against
// their kind's schema before an executor ever sees them.
package plans

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/nervecore/internal/store"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry indexes compiled schemas by (plan_kind, plan_version) and
// persists the kind/version catalog through the store.
type Registry struct {
	store   *store.Store
	schemas map[string]*jsonschema.Schema
}

// NewRegistry builds an empty registry backed by st.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{store: st, schemas: make(map[string]*jsonschema.Schema)}
}

// Definition is a plan kind/version bundled at boot (§4.8: "the registry
// is seeded at boot from bundled definitions").
type Definition struct {
	PlanKind     string
	PlanVersion  int
	Schema       string
	Example      string
	ExecutorKey  string
	IsDeprecated bool
}

// RegisterAll persists and compiles every bundled definition. A schema
// that fails to compile is a boot-time configuration error.
func (r *Registry) RegisterAll(ctx context.Context, defs []Definition) error {
	for _, d := range defs {
		if err := r.register(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) register(ctx context.Context, d Definition) error {
	if err := r.store.RegisterPlanKindVersion(ctx, store.PlanKindVersion{
		PlanKind:     d.PlanKind,
		PlanVersion:  d.PlanVersion,
		SchemaJSON:   d.Schema,
		ExampleJSON:  d.Example,
		ExecutorKey:  d.ExecutorKey,
		IsDeprecated: d.IsDeprecated,
	}); err != nil {
		return fmt.Errorf("register plan kind %s/%d: %w", d.PlanKind, d.PlanVersion, err)
	}
	schema, err := compileSchema(schemaID(d.PlanKind, d.PlanVersion), d.Schema)
	if err != nil {
		return fmt.Errorf("compile schema for %s/%d: %w", d.PlanKind, d.PlanVersion, err)
	}
	r.schemas[schemaID(d.PlanKind, d.PlanVersion)] = schema
	return nil
}

func compileSchema(id, schemaJSON string) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("decode schema json: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(id, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(id)
}

func schemaID(kind string, version int) string {
	return fmt.Sprintf("mem://plan-kind/%s/%d", kind, version)
}

// Validate checks payloadJSON against the compiled schema for
// (kind, version). Callers pass the version resolved from
// store.LookupPlanKindVersion so a deprecated version is still validated
// against its own schema even though it can't accept new instances.
func (r *Registry) Validate(kind string, version int, payloadJSON string) error {
	schema, ok := r.schemas[schemaID(kind, version)]
	if !ok {
		return fmt.Errorf("no compiled schema for plan kind %s/%d", kind, version)
	}
	var instance any
	if err := json.Unmarshal([]byte(payloadJSON), &instance); err != nil {
		return fmt.Errorf("decode plan payload: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

// Lookup resolves the newest non-deprecated version of kind, or a
// specific version when version > 0, through the store.
func (r *Registry) Lookup(ctx context.Context, kind string, version int) (*store.PlanKindVersion, error) {
	return r.store.LookupPlanKindVersion(ctx, kind, version)
}
