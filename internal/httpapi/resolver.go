package httpapi

import "context"

// StaticResolver is the simplest possible ClientResolver: the API key *is*
// the client_id. Real key issuance/storage/rotation is an external
// collaborator per spec.md §1; this stub exists so the service is runnable
// standalone (dev/test) without that external system wired in.
type StaticResolver struct{}

// Resolve implements ClientResolver by treating apiKey verbatim as the
// client_id.
func (StaticResolver) Resolve(ctx context.Context, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}
	return apiKey, true
}
