// Package types defines the screening result metadata shared by the agent
// and the collector. ResultFields is the strongly-typed form of the
// "metadata" part of an upload; both sides call Validate so malformed
// results are rejected locally instead of surfacing as a server-side parse
// error.
package types
