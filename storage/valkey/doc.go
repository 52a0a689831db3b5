// Package valkey provides a Valkey storage backend for the tool-auth library.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. This package implements all storage interfaces required by the
// tool-auth library, making it suitable for deployments that require:
//
//   - Distributed storage for horizontal scaling
//   - Persistence across server restarts
//   - Automatic TTL-based expiration
//
// # Implemented Interfaces
//
// The Store type implements all required storage interfaces:
//
//   - [storage.ToolStore]: Vendor tool registry (save, get, API key lookup)
//   - [storage.FlowStore]: Authorization code lifecycle
//   - [storage.GrantStore]: Durable delegation grants
//   - [storage.TokenStore]: Verification token lifecycle and rotation
//   - [storage.RevocationStore]: Fail-closed revocation records
//
// # Key Schema
//
// All keys use a configurable prefix (default "toolauth:") to avoid conflicts
// with other applications sharing the same Valkey instance:
//
//	{prefix}tool:{toolID}                -> JSON(Tool)
//	{prefix}tool:digest:{digest}         -> toolID (API key lookup index)
//	{prefix}code:{code}                  -> JSON(AuthorizationCode) (with TTL)
//	{prefix}grant:{grantID}              -> JSON(Grant)
//	{prefix}grant:ut:{userID}:{toolID}   -> grantID (pair lookup index)
//	{prefix}vt:{value}                   -> JSON(VerificationToken) (with TTL)
//	{prefix}live:{grantID}               -> current token value (with TTL)
//	{prefix}grants:ut:{userID}:{toolID}  -> SET of grantIDs (for counting)
//	{prefix}rev:{userID}:{toolID}        -> JSON(RevocationRecord)
//	{prefix}rev:id:{revocationID}        -> JSON({userID, toolID})
//
// Superseded and expired token values are retained for a short window past
// their natural expiry so that a stale presentation can be distinguished from
// an unknown one.
//
// # Atomic Operations
//
// Two operations must be atomic: only ONE concurrent caller can succeed, and
// a compare-and-swap against the current state decides the winner:
//
//   - AtomicConsumeAuthorizationCode: prevents authorization code replay
//   - AtomicRotateToken: prevents double rotation of a verification token
//
// These operations use Lua scripts to ensure atomicity in Valkey, providing
// the same guarantees as the in-memory implementation with distributed
// storage benefits.
package valkey
