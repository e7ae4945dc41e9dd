package sqlstore

import (
	"database/sql"
	"errors"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"storefront-ledger/internal/ledger"
)

// Dialect captures what differs between the supported SQL engines.
// Queries are written with $n placeholders and rebound per dialect.
type Dialect struct {
	Name       string
	DriverName string

	bodyType  string
	txOptions *sql.TxOptions
	// nowQuery returns the database clock; empty means the store clock is used.
	nowQuery string
	rebind   func(string) string
	conflict func(error) bool
}

var Postgres = Dialect{
	Name:       "postgres",
	DriverName: "pgx",
	bodyType:   "JSONB",
	txOptions:  &sql.TxOptions{Isolation: sql.LevelSerializable},
	nowQuery:   "SELECT clock_timestamp()",
	rebind:     func(q string) string { return q },
	conflict:   pgConflict,
}

var SQLite = Dialect{
	Name:       "sqlite",
	DriverName: "sqlite3",
	bodyType:   "TEXT",
	rebind:     rebindNumbered,
	conflict:   sqliteConflict,
}

// DialectFor returns the dialect registered under name ("postgres" or "sqlite").
func DialectFor(name string) (Dialect, error) {
	switch name {
	case Postgres.Name:
		return Postgres, nil
	case SQLite.Name:
		return SQLite, nil
	default:
		return Dialect{}, errors.New("sqlstore: unknown dialect " + name)
	}
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebindNumbered turns $1 into ?1, which SQLite binds by explicit index.
func rebindNumbered(q string) string {
	return placeholder.ReplaceAllString(q, "?$1")
}

func pgConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"23505": // unique_violation
		return true
	}
	return false
}

func sqliteConflict(err error) bool {
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	switch {
	case sqErr.Code == sqlite3.ErrBusy, sqErr.Code == sqlite3.ErrLocked:
		return true
	case sqErr.ExtendedCode == sqlite3.ErrConstraintUnique, sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return true
	}
	return false
}

// classify maps engine-level contention and uniqueness failures onto ledger.ErrConflict.
func (d Dialect) classify(err error) error {
	if err == nil {
		return nil
	}
	if d.conflict != nil && d.conflict(err) {
		return ledger.ErrConflict
	}
	return err
}
