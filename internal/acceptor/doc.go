// Package acceptor listens for FIX initiators, runs one session.Conn per
// accepted connection and exposes the live sessions over an admin HTTP API.
package acceptor
