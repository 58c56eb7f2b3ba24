//go:build sqlite_vec && !purego

package storage

// mattn/go-sqlite3 with sqlite-vec loaded into every connection, so
// SearchVector ranks with vec_distance_l2 / vec_distance_cosine in SQL.
//
//	CGO_ENABLED=1 go build -tags sqlite_vec ./...

import (
	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverName               = "sqlite3"
	VectorExtensionAvailable = true
	BuildMode                = "cgo"
)

func init() {
	sqlite_vec.Auto()
}
