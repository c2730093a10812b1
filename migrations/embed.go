// Package migrations embeds SQL migration files into the binary.
//
// Importing it registers the files with the database package:
//
//	import _ "github.com/sensemap/sensemap-core/migrations"
package migrations

import (
	"embed"

	"github.com/sensemap/sensemap-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // Files are at root of embedded FS
}
