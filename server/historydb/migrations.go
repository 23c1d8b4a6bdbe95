package historydb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE prediction(
			id INTEGER PRIMARY KEY,
			created_at INT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			blank BOOLEAN NOT NULL,
			top_class TEXT NOT NULL,
			top_percentage REAL NOT NULL,
			duration_micros INT NOT NULL
		);

		CREATE INDEX idx_prediction_created_at ON prediction (created_at);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		ALTER TABLE prediction ADD COLUMN backend TEXT NOT NULL DEFAULT '';
	`))

	return migs
}
