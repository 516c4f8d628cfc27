// Package body provides the adaptive byte store used for request and
// response bodies.
//
// A Store starts in memory. When an Append would push it past its threshold
// (1 MiB by default) it creates a temporary file, unlinks it immediately,
// flushes the buffered bytes to it and keeps appending there:
//
//	s := body.New(body.WithThreshold(64 << 10))
//	defer s.Close()
//	if err := s.Append(chunk); err != nil {
//	    // the disk could not take the bytes; fail the exchange
//	}
//
// Consumers read through ReadAt or Reader so a disk-backed body is never
// pulled into memory in one piece.
package body
