// Package migrations embeds the goose migrations for the postgres token storage.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
