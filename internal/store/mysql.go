package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
)

// NewMySQLStore opens a MySQL-backed Store against dsn (a
// go-sql-driver/mysql data source name, e.g.
// "user:pass@tcp(host:3306)/reprocessor?parseTime=true") and runs
// migrations. parseTime=true is required in the DSN so scanned
// started_at/ended_at/created_at columns populate as time.Time.
func NewMySQLStore(dsn string) (Store, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging mysql database: %w", err)
	}

	for _, stmt := range splitStatements(mysqlSchema) {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("running mysql migrations: %w", err)
		}
	}

	return &sqlStore{db: db}, nil
}
