// Package migrations embeds the SQL applied to each clinic schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
