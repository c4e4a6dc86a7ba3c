// Package senses implements inbound adapters (§4.4, §9): each sense
// translates its channel's native payload into a Normalized Inbound
// Message plus a durable signal of a declared type, and is responsible
// for deduplication at its own source and for attaching a correlation_id.
package senses

import "context"

// Sense is a single-channel inbound adapter lifecycle.
type Sense interface {
	Key() string
	Start(ctx context.Context) error
}
