// Package network contains abstractions for communicating with other machines over the network: a
// TCP server that dispatches each accepted connection to its own goroutine, and a TLS client that
// opens a fresh, verified session to the upstream server for every request.
package network
