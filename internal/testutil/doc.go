// Package testutil provides fixtures shared by package tests: an in-memory certificate authority,
// TLS upstream servers with scripted behavior, and a plaintext DNS-over-TCP client.
package testutil
