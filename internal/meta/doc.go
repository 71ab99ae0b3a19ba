// Package meta holds application-level metadata: the parsed configuration and build version.
package meta
