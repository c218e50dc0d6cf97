// Package store indexes accepted submissions in memory and expires them,
// together with their image files, once the retention window has passed.
package store
