// Package gateway wires the leasing-gateway HTTP surface.
//
// Two audiences share one server:
//
//   - The visitor widget posts messages (POST /api/messages), reads the
//     session view (GET /api/conversations/{id}/session), and follows live
//     updates (GET /api/conversations/{id}/events, SSE). These endpoints are
//     unauthenticated: conversation IDs are unguessable UUIDs handed out at
//     session creation.
//
//   - The operator console lists conversations (GET /api/conversations),
//     takes over (POST /api/conversations/{id}/takeover), releases
//     (DELETE on the same path), and replies
//     (POST /api/conversations/{id}/reply). These require a bearer JWT.
//
// Service errors map onto status codes: validation 400, missing token 401,
// unknown conversation 404, conflicting transition or wrong-mode reply 409,
// failed generation 502.
package gateway
