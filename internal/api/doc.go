// Package api is the agent's local status API.
//
// Endpoints under /api/v1:
//
//	GET /health            component health checks (no auth)
//	GET /session           management session snapshot
//	GET /metrics           runtime, session and queue figures
//	GET /resources         all device resources with versions
//	GET /resources/{name}  one resource
//	GET /journal           management journal, newest first
//	GET /ws                WebSocket stream of resource events
//
// When security.jwt.secret is set every endpoint but /health requires an
// HS256 bearer token (Authorization header, or access_token query parameter
// for WebSocket upgrades).
//
// WebSocket clients subscribe to "resource.changed" for every event or to
// "resource.<name>" for one resource:
//
//	{"type":"subscribe","id":"1","payload":{"channels":["resource.location"]}}
package api
