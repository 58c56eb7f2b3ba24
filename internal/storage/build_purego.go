//go:build purego || !sqlite_vec

package storage

// Default build: modernc.org/sqlite, no C toolchain needed. Vector distances
// for both families are computed in Go over the candidate rows.
//
//	CGO_ENABLED=0 go build ./...

import (
	_ "modernc.org/sqlite"
)

const (
	DriverName               = "sqlite"
	VectorExtensionAvailable = false
	BuildMode                = "purego"
)
