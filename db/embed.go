// Package db provides the embedded schema of the offline cache storage.
package db

import _ "embed"

// Schema contains the DDL statements for the cache tables. It is idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string
