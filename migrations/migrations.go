// Package migrations bundles the rule store schema for each supported driver.
package migrations

import "embed"

// Files holds one directory of .sql files per driver: sqlite/ and postgres/.
//
//go:embed sqlite/*.sql postgres/*.sql
var Files embed.FS
