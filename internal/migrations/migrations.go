// Package migrations embeds the goose SQL migrations for the local mirror.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
