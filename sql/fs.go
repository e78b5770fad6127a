// Package sql embeds the goose migrations for the auth core schema.
package sql

import "embed"

//go:embed *.sql
var FS embed.FS
