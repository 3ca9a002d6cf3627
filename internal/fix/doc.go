// Package fix owns the tag=value wire contract and parsing primitives.
//
// Ownership boundary:
// - message model (header/body/trailer field maps)
// - decode/encode with body length and checksum enforcement
// - session message schema validation
//
// Stream framing lives in the frame subpackage.
package fix
