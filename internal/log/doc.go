// Package log provides the leveled logging interface injected into every dotproxy component, along
// with a console implementation.
package log
