package agents

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDatabaseFromEnv 根据 DATABASE_* 环境变量创建数据库连接。
func OpenDatabaseFromEnv() (*gorm.DB, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN"))
	if dsn == "" {
		return nil, errors.New("agents: DATABASE_DSN environment variable is required")
	}

	driver := strings.TrimSpace(os.Getenv("DATABASE_DRIVER"))
	if driver == "" {
		driver = inferDriverFromDSN(dsn)
		if driver == "" {
			return nil, errors.New("agents: DATABASE_DRIVER environment variable is required when DSN does not contain a scheme")
		}
	}

	db, err := OpenDatabase(driver, strings.TrimPrefix(dsn, "sqlite://"))
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("agents: access sql pool: %w", err)
	}
	if n := envPositiveInt("DATABASE_MAX_OPEN_CONNS"); n > 0 {
		sqlDB.SetMaxOpenConns(n)
	}
	if n := envPositiveInt("DATABASE_MAX_IDLE_CONNS"); n > 0 {
		sqlDB.SetMaxIdleConns(n)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// OpenDatabase 按驱动类型初始化 Gorm 实例，时间统一使用 UTC。
func OpenDatabase(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Warn),
	}
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("agents: unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("agents: open %s database: %w", driver, err)
	}
	return db, nil
}

func inferDriverFromDSN(dsn string) string {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(lower, "mysql://"), strings.Contains(lower, "@tcp("):
		return "mysql"
	case strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "file:"),
		strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return "sqlite"
	default:
		return ""
	}
}

func envPositiveInt(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
