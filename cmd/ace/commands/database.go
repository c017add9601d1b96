package commands

import (
	"database/sql"

	"github.com/acehq/ace/config"
	"github.com/acehq/ace/db"
	"github.com/acehq/ace/errors"
	"github.com/acehq/ace/logger"
)

// openDatabase opens and migrates the configured database. An explicit path
// overrides configuration (used by --db flags).
func openDatabase(path string) (*sql.DB, error) {
	if path == "" {
		configured, err := config.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve database path")
		}
		path = configured
	}

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return database, nil
}
