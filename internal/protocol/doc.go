// Package protocol owns the wire contract.
//
// Ownership boundary:
// - frame: the fixed header, control ids and flags, frame limits
// - payload: the big-endian body buffer handed to handlers
// - tlv: typed fields used by structured packet bodies
package protocol
