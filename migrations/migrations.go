// Package migrations registers the schema as goose Go migrations and embeds the
// source files so the runner can resolve versions without a checkout on disk.
package migrations

import "embed"

// FS holds the migration sources for goose.SetBaseFS.
//
//go:embed *.go
var FS embed.FS
