// Package response builds HTTP responses and streams them to non-blocking
// sockets.
//
// Builder.Build routes a finished request through its virtual server:
//
//	error state     -> error page for the parser's status
//	no location     -> 404
//	method denied   -> 405 with Allow
//	return CODE URL -> redirect, empty body
//	cgi .ext        -> subprocess, output re-framed as chunked coding
//	POST            -> upload store (201 disk, 202 S3)
//	DELETE          -> 204
//	GET             -> file, index file, autoindex listing or 403
//
// A Response is sent with repeated SendSlice calls, each making at most one
// write. The head is generated the first time SendSlice runs and is never
// changed afterwards.
//
// CGI responses start with AwaitingCGI true. The event loop calls PumpCGI
// whenever the pipe is readable until the CGI header block is complete,
// then sends. SendSlice returns ErrCGIPending when the pipe has nothing to
// offer; the terminal chunk is written only after the pipe reached end of
// file and the subprocess has been reaped.
package response
