package docstore

import (
	"context"
	"fmt"
	"strings"
)

// NewStore opens the document store selected by driver.
//
//	memory    in-process only
//	file      one JSON file per document under dsn (a directory)
//	sqlite    gorm + pure-Go sqlite at dsn
//	postgres  pgx pool at dsn
//	gorm-postgres  gorm over the postgres driver at dsn
func NewStore(ctx context.Context, driver, dsn string) (Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	dsn = strings.TrimSpace(dsn)
	switch driver {
	case "", "file":
		if dsn == "" {
			dsn = "data"
		}
		return NewFileStore(dsn)
	case "memory":
		return NewInMemoryStore(), nil
	case "sqlite", "gorm-postgres":
		gormDriver := driver
		if driver == "gorm-postgres" {
			gormDriver = "postgres"
		}
		return NewGormStore(gormDriver, dsn)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
