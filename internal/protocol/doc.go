// Package protocol owns the replication wire contract.
//
// Ownership boundary:
// - message envelope and record types
// - binary encode/decode for the five message kinds
// - protocol (connection-fatal) errors
//
// Every envelope starts with one MessageType byte. Multi-byte integers are
// little-endian, collections and blobs carry an int32 length prefix, and
// fields are written in declaration order with no padding.
package protocol
