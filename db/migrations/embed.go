// Package dbmigrations exposes the embedded SQL migrations for the Postgres batch store.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into pulse binaries.
//
//go:embed *.sql
var Files embed.FS
