// Package pgmigrations holds the Postgres schema for the reference exchange backend.
package pgmigrations

import "embed"

//go:embed *.up.sql
var FS embed.FS
