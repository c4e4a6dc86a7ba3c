package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrEmptyCatalog is returned when the catalog has no states at boot,
// which is a fatal boundary condition per the FSM engine's contract.
var ErrEmptyCatalog = errors.New("store: catalog has no states")

// State is an FSM node (§3 State).
type State struct {
	ID         int64
	Key        string
	Name       string
	IsTerminal bool
	IsEnabled  bool
}

// Transition is a catalog edge (§3 Transition). SourceStateKey is ignored
// when MatchAnyState is true.
type Transition struct {
	ID             int64
	SourceStateKey string
	SignalKey      string
	NextStateKey   string
	Priority       int
	IsEnabled      bool
	GuardKey       string
	ActionKey      string
	MatchAnyState  bool
}

// UpsertState inserts or updates a catalog state by key.
func (s *Store) UpsertState(ctx context.Context, key, name string, isTerminal, isEnabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO states (key, name, is_terminal, is_enabled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET name=excluded.name, is_terminal=excluded.is_terminal, is_enabled=excluded.is_enabled;
	`, key, name, isTerminal, isEnabled)
	if err != nil {
		return fmt.Errorf("upsert state %q: %w", key, err)
	}
	return nil
}

// UpsertSignalType registers a signal key in the catalog if not present.
func (s *Store) UpsertSignalType(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO signal_types (key) VALUES (?) ON CONFLICT(key) DO NOTHING;`, key)
	if err != nil {
		return fmt.Errorf("upsert signal type %q: %w", key, err)
	}
	return nil
}

// UpsertTransition inserts a transition. stateKey == "" means match_any_state.
func (s *Store) UpsertTransition(ctx context.Context, t Transition) error {
	if err := s.UpsertSignalType(ctx, t.SignalKey); err != nil {
		return err
	}
	var stateID sql.NullInt64
	if !t.MatchAnyState {
		id, err := s.stateID(ctx, t.SourceStateKey)
		if err != nil {
			return err
		}
		stateID = sql.NullInt64{Int64: id, Valid: true}
	}
	nextID, err := s.stateID(ctx, t.NextStateKey)
	if err != nil {
		return err
	}
	signalID, err := s.signalID(ctx, t.SignalKey)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transitions (state_id, signal_id, next_state_id, priority, is_enabled, guard_key, action_key, match_any_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, stateID, signalID, nextID, t.Priority, t.IsEnabled, t.GuardKey, t.ActionKey, t.MatchAnyState)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (s *Store) stateID(ctx context.Context, key string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM states WHERE key = ?;`, key).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("lookup state %q: %w", key, err)
	}
	return id, nil
}

func (s *Store) signalID(ctx context.Context, key string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM signal_types WHERE key = ?;`, key).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("lookup signal type %q: %w", key, err)
	}
	return id, nil
}

// States returns every catalog state.
func (s *Store) States(ctx context.Context) ([]State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, key, name, is_terminal, is_enabled FROM states;`)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()
	var out []State
	for rows.Next() {
		var st State
		if err := rows.Scan(&st.ID, &st.Key, &st.Name, &st.IsTerminal, &st.IsEnabled); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out = append(out, st)
	}
	if len(out) == 0 {
		return nil, ErrEmptyCatalog
	}
	return out, rows.Err()
}

// TransitionCount returns how many transition rows exist, so a boot-time
// seeder can tell an empty catalog (needs seeding) from one already
// populated by a prior run (UpsertTransition has no dedup key of its own,
// so re-seeding an existing catalog would double every row).
func (s *Store) TransitionCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transitions;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transitions: %w", err)
	}
	return n, nil
}

// ResolvedTransition is a candidate transition joined with its keys,
// ordered per §4.6 step 2: match_any_state ASC, priority ASC, id ASC.
type ResolvedTransition struct {
	ID           int64
	NextStateKey string
	GuardKey     string
	ActionKey    string
}

// ResolveTransitions returns every enabled transition matching (stateKey,
// signalKey), in the ordering invariant from §4.6/§8 invariant 1: explicit
// source beats a wildcard at equal priority, ties broken by id. A rejected
// guard tries the next candidate in this list rather than stopping the step
// (§4.6 step 3), so callers must be able to see the whole ordering, not just
// the winner.
func (s *Store) ResolveTransitions(ctx context.Context, stateKey, signalKey string) ([]ResolvedTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, ns.key, t.guard_key, t.action_key
		FROM transitions t
		JOIN states ns ON ns.id = t.next_state_id
		LEFT JOIN states cs ON cs.id = t.state_id
		JOIN signal_types sig ON sig.id = t.signal_id
		WHERE t.is_enabled = 1
		  AND sig.key = ?
		  AND ns.is_enabled = 1
		  AND (t.match_any_state = 1 OR cs.key = ?)
		ORDER BY t.match_any_state ASC, t.priority ASC, t.id ASC;
	`, signalKey, stateKey)
	if err != nil {
		return nil, fmt.Errorf("resolve transitions: %w", err)
	}
	defer rows.Close()
	var out []ResolvedTransition
	for rows.Next() {
		var rt ResolvedTransition
		if err := rows.Scan(&rt.ID, &rt.NextStateKey, &rt.GuardKey, &rt.ActionKey); err != nil {
			return nil, fmt.Errorf("scan resolved transition: %w", err)
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// ResolveTransition returns only the highest-priority candidate, for
// callers that don't need guard fallthrough.
func (s *Store) ResolveTransition(ctx context.Context, stateKey, signalKey string) (*ResolvedTransition, error) {
	candidates, err := s.ResolveTransitions(ctx, stateKey, signalKey)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return &candidates[0], nil
}

// CurrentState reads the FSM's process-wide state marker, initializing it
// to initialState if no marker row exists yet.
func (s *Store) CurrentState(ctx context.Context, initialState string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT current_state_key FROM fsm_marker WHERE id = 1;`).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO fsm_marker (id, current_state_key) VALUES (1, ?);`, initialState); err != nil {
			return "", fmt.Errorf("seed fsm marker: %w", err)
		}
		return initialState, nil
	}
	if err != nil {
		return "", fmt.Errorf("read fsm marker: %w", err)
	}
	return key, nil
}
