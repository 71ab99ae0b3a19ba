// Package protocol contains the proxying logic that mediates a single exchange between a plaintext
// TCP client and the DNS-over-TLS upstream. Queries and responses are treated as opaque payloads;
// no DNS message is parsed.
package protocol
