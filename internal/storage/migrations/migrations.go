// Package migrations embeds the two schema variants the store applies at
// startup, one per supported backend.
package migrations

import _ "embed"

// SQLite holds the pure-Go embedded-database schema.
//
//go:embed schema_sqlite.sql
var SQLite string

// Postgres holds the server-database schema.
//
//go:embed schema_postgres.sql
var Postgres string
