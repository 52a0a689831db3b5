// Package server implements the delegated-access verification core: issuing
// and exchanging one-time authorization codes, validating and rotating
// verification tokens, enforcing the fail-closed revocation gate, and
// orchestrating the tiered entitlement lookup.
//
// The Server is transport-agnostic. HTTP handling, vendor API-key
// authentication, and rate-limit headers live in the root toolauth package;
// the Server exposes the operations themselves.
//
// Two operations are race-sensitive and resolved by a single atomic
// conditional update on the storage layer:
//
//   - Exchange consumes an authorization code exactly once via
//     storage.FlowStore.AtomicConsumeAuthorizationCode.
//   - Rotate replaces a verification token via
//     storage.TokenStore.AtomicRotateToken; concurrent rotations of the same
//     token have exactly one winner, and losers keep the presented token.
//
// Verify is read-only in the common case: token validation and entitlement
// lookups issue no writes, and only a rotation inside the rotation window
// writes. The revocation check runs on every verify call, including cache
// hits, and fails closed when the registry is unreachable.
package server
