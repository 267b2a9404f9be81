package postgres

import (
	"database/sql"
	"errors"
	"time"

	"buildit/internal/store"
)

// mapNoRows translates sql.ErrNoRows into the store package's sentinel so
// callers outside postgres never need to import database/sql.
func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
