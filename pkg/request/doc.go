// Package request implements an incremental HTTP/1.x request parser.
//
// Bytes are fed to Request.Parse as they arrive from a non-blocking
// socket. The parser moves through
//
//	headers -> (body | chunked | done) -> done
//
// with error reachable from every state. Errors carry the status code
// the connection should answer with; Parse itself never fails.
//
// Chunked bodies are decoded ChunkBudget bytes at a time, so a single
// connection with a large buffered body cannot starve the event loop.
package request
