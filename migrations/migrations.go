// Package migrations embeds the base relational schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
