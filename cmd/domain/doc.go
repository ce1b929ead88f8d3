// Package domain holds the vocabulary shared by every collaboration package:
// the acting identity, email canonicalization, and the error taxonomy that the
// HTTP and WebSocket layers map to status codes.
//
// It has no dependencies on storage or transport.
package domain
