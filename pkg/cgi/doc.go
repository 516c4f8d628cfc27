// Package cgi spawns CGI/1.1 scripts for the event loop.
//
// A Bridge is prepared from a fully received request, executed with the
// request body as its stdin, and then polled: Read never blocks, and
// IsDone checks for exit with WNOHANG. Subprocesses still running when
// their bridge is closed are killed and collected by a Reaper.
package cgi
