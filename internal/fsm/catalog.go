package fsm

import (
	"context"

	"github.com/basket/nervecore/internal/store"
)

// maxPriority sorts the default fallback transitions after every
// domain-specific transition registered at the conventional priority
// range (0-999).
const maxPriority = 1_000_000

// SeedDefaultCatalog installs the two transitions every deployment gets
// regardless of its domain-specific catalog (§4.6): action.failed always
// moves to errorState via handle_action_failure, and shutdown_requested
// always moves to ShuttingDownState, both matching from any state at the
// lowest priority so a domain-specific catalog entry never loses to them
// by accident.
func SeedDefaultCatalog(ctx context.Context, st *store.Store, errorState string) error {
	if err := st.UpsertState(ctx, errorState, "Error", false, true); err != nil {
		return err
	}
	if err := st.UpsertState(ctx, ShuttingDownState, "Shutting down", true, true); err != nil {
		return err
	}
	if err := st.UpsertTransition(ctx, store.Transition{
		SignalKey:     FailedActionSignalType,
		NextStateKey:  errorState,
		Priority:      maxPriority,
		IsEnabled:     true,
		MatchAnyState: true,
		ActionKey:     "handle_action_failure",
	}); err != nil {
		return err
	}
	if err := st.UpsertTransition(ctx, store.Transition{
		SignalKey:     ShutdownSignalType,
		NextStateKey:  ShuttingDownState,
		Priority:      maxPriority,
		IsEnabled:     true,
		MatchAnyState: true,
	}); err != nil {
		return err
	}
	return nil
}
