// Package extremities implements outbound adapters (§4.4, §9): each
// extremity subscribes to the FSM engine's per-channel outbound topic and
// delivers a Normalized Outbound Message through its channel's native API.
package extremities

import "context"

// Extremity is a single-channel outbound adapter lifecycle.
type Extremity interface {
	Key() string
	Start(ctx context.Context) error
}
