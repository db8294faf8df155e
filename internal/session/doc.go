// Package session owns the join/leave handshake between the authority and
// its participants.
//
// Ownership boundary:
// - the connection state machine and message ordering rules
// - control message payloads (join request, grant, ping/pong, leave, kick)
// - session timing, retry backoff and transport security settings
package session
