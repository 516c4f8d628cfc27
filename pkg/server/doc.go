// Package server runs the event loop of webserv.
//
// A Server owns every listening socket, every client connection and every
// CGI pipe, and multiplexes them over one level-triggered epoll instance
// on a single goroutine. Nothing in the loop blocks: sockets are
// non-blocking, request bodies are parsed incrementally and responses are
// written one bounded slice per readiness event.
//
// # Connection Lifecycle
//
// Each accepted socket becomes a Conn that handles exactly one exchange:
//
//   - Reading: bytes are fed to the request parser. Once the headers are
//     parsed the virtual server is chosen by Host and its body limit applies.
//   - Processing: the complete request is routed to a response.
//   - WaitingCGI: the subprocess runs; its stdout pipe is watched.
//   - Writing: the response is sent slice by slice.
//   - Finished: the socket is closed (no keep-alive).
//
// # Timeouts
//
// The readiness wait returns at least once per Options.Tick. A connection
// idle while Reading gets 408, a subprocess exceeding Options.CGITimeout is
// killed and the client gets 504, and a connection that cannot be written
// for Options.IdleTimeout is closed.
//
// # Example Usage
//
//	cfg, err := config.Load("webserv.conf")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv, err := server.New(cfg, server.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := srv.Serve(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// Serve must run on one goroutine. Stats and Addrs may be called from any
// goroutine; Options.OnExchange runs on the loop goroutine and must not
// block.
package server
