// Package migrations holds the embedded SQL schema history.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
