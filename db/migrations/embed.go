// Package dbmigrations exposes embedded SQL migrations for pricemesh binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into pricemesh binaries.
//
//go:embed *.sql
var Files embed.FS
