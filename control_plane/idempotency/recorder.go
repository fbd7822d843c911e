// Package idempotency replays recorded responses for repeated mutating
// requests that carry the same Idempotency-Key. Keys are scoped per tenant so
// tenants cannot observe each other's replays.
package idempotency

import "context"

// Response is the recorded outcome of one mutating request.
type Response struct {
	StatusCode  int    `json:"statusCode"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Recorder stores and replays responses by (tenant, key).
type Recorder interface {
	// Get returns the recorded response for the key, if any.
	Get(ctx context.Context, tenant, key string) (Response, bool, error)

	// Put records a response. The first write for a key wins; later writes
	// for the same key are ignored.
	Put(ctx context.Context, tenant, key string, resp Response) error
}
