// Package auth provides operator authentication for leasing-gateway.
//
// # Who authenticates
//
// Only the operator console authenticates. Visitors are anonymous: their
// conversation ID, a UUID handed out on the first message, is their handle.
//
// # Tokens
//
// Operators present an HS256-signed JWT in the Authorization header
// (Bearer scheme). The token carries:
//
//   - sub: operator identifier (required)
//   - name: display name, recorded as the actor on messages the operator
//     authors (optional)
//   - exp/iat: standard expiry claims
//
// Tokens are minted offline with the CLI ("leasing-gateway token") using the
// same jwt_secret the server verifies with. There is no user database; a
// valid signature is the authorization.
package auth
