// Package credentials resolves the credential references named by routine
// nodes into decrypted secret material. The engine fetches credentials inside
// the node activity, immediately before plugin execution; secrets never enter
// workflow history or the execution state.
package credentials

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store implementations when the user has no
// credential with the requested id.
var ErrNotFound = errors.New("credentials: not found")

// Data holds the decrypted key/value material of a single credential, for
// example {"apiKey": "...", "baseUrl": "..."}.
type Data map[string]string

// Clone returns a copy of the credential material so callers can hand it to
// plugins without sharing the stored map.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Store fetches credential material scoped to a user. Implementations decrypt
// on read; the engine never persists what they return.
type Store interface {
	// Fetch returns the credential identified by credentialID for the given
	// user. It returns ErrNotFound when no such credential exists.
	Fetch(ctx context.Context, userID, credentialID string) (Data, error)
}
