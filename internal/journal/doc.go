// Package journal records the agent's management activity in SQLite:
// session handshakes, requests it sent and their result codes, commands
// it answered, and messages the outbound queue gave up on.
//
// Entries are append-only and listed newest first with simple filters,
// for the status API and for post-mortem inspection.
package journal
