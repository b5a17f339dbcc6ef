// Package migrations embeds the goose migration set for the SQLite reuse
// cache schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
