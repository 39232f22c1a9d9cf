// ABOUTME: Registers the cgo SQLite driver when cgo is available
// ABOUTME: Lets deployments pick mattn/go-sqlite3 with database.driver: sqlite3

//go:build cgo

package store

import (
	_ "github.com/mattn/go-sqlite3"
)
