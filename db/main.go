package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	// Load the PostgreSQL driver.
	_ "github.com/lib/pq"
)

// InitDatabase establishes a database connection and verifies that the database can be reached.
func InitDatabase(ctx context.Context, driverName, databaseURI string) (*sql.DB, error) {
	wrapMsg := "unable to initialize the database"

	// Establish the database connection.
	db, err := sql.Open(driverName, databaseURI)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Verify that the database can be reached.
	pingCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, wrapMsg)
	}

	return db, nil
}
