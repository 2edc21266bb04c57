package store

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// openDialector selects a gorm dialector from a DSN scheme, realizing the
// spec's "any relational store reachable via a driver" requirement as a
// choice between the three dialects the domain stack wires in. Connection
// pooling is applied by the caller only for the non-embedded dialects.
func openDialector(databaseURL string) (dialector gorm.Dialector, pooled bool, err error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		return sqlite.Open(path), false, nil
	case strings.HasPrefix(databaseURL, "mysql://"):
		dsn := strings.TrimPrefix(databaseURL, "mysql://")
		return mysql.Open(dsn), true, nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return postgres.Open(databaseURL), true, nil
	default:
		return nil, false, fmt.Errorf("unrecognized database URL scheme in %q (expected sqlite://, mysql://, or postgres://)", databaseURL)
	}
}
