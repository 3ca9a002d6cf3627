// Package session owns the FIX session layer for one connection.
//
// Ownership boundary:
// - Logon/Logout handshake and authentication hand-off
// - inbound/outbound sequence numbers and gap recovery
// - heartbeat supervision
// - the per-connection owner loop (Conn) that serialises all of the above
//
// A Machine is not safe for concurrent use. Conn is the only intended
// caller and runs it on a single goroutine.
package session
