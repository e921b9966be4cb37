// Package transport moves framed packets over TCP and UDP.
//
// Every front end (Server, Client, Listener) shares one pipeline: a reader
// goroutine appends raw bytes to a per-connection buffer in a Table, and a
// single dispatch goroutine extracts complete frames and invokes the
// registered handler. Control frames (ids below frame.FirstApplicationID)
// are consumed internally and never reach a handler.
//
// Handlers run without any transport lock held, so they may send, disconnect
// or Stop. Use Close only from outside a handler; it waits for the dispatch
// goroutine to exit.
package transport
