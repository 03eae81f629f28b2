// Package migrations embeds the PostgreSQL target schema so the binary can
// migrate without a checkout of this directory.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
