//go:build cgo && sqlite3_cgo

package db

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	driverID   = "mattn/go-sqlite3"
	driverName = "sqlite3"
)

// fileDSN sets the per-connection pragmas through mattn's DSN parameters.
func fileDSN(path string) string {
	return "file:" + path + "?mode=rwc&_txlock=immediate&_busy_timeout=5000&_foreign_keys=1"
}
