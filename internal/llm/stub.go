package llm

import "context"

// StubProvider answers deterministically without calling out to a model,
// for environments without credentials (tests, offline development).
type StubProvider struct{}

// NewStubProvider builds a StubProvider.
func NewStubProvider() *StubProvider { return &StubProvider{} }

// Complete echoes a fixed acknowledgment; handlers that depend on real
// model output should not run against the stub outside of tests.
func (StubProvider) Complete(ctx context.Context, system, user string) (string, error) {
	return "[stub-llm] " + user, nil
}
