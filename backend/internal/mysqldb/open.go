package mysqldb

import (
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"social-interaction-service/backend/internal/entity"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// NormalizeDSN 强制 parseTime 和 UTC，保证 last_op_at 的比较在各实例间一致
func NormalizeDSN(dsn string) (string, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", DriverMySQL:
		normalized, err := NormalizeDSN(dsn)
		if err != nil {
			return nil, err
		}
		dialector = mysql.Open(normalized)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported durable driver %q", driver)
	}
	return gorm.Open(dialector, &gorm.Config{})
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&entity.ContentStats{}, &entity.InteractionRecord{})
}
