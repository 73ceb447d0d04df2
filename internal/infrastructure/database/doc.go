// Package database opens the SQLite file behind the management journal and
// keeps its schema current.
//
// One connection is kept open; with wal_mode the journal can be read by
// the status API while the agent appends to it. Schema changes are
// embedded *.up.sql / *.down.sql pairs applied by Migrate:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	err = db.Migrate(ctx, migrations.FS)
package database
