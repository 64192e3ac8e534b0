package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/types"
	"github.com/odooforge/odooforge-backend/internal/utils"
)

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

// New opens the configured database. Postgres in every deployed environment;
// DB_DRIVER=sqlite keeps local development and tests self-contained.
func New(log *logger.Logger) (*Service, error) {
	serviceLog := log.With("service", "DBService")

	driver := strings.ToLower(utils.GetEnv("DB_DRIVER", "postgres", log))
	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case "sqlite":
		path := utils.GetEnv("SQLITE_PATH", "odooforge.db", log)
		db, err = gorm.Open(sqlite.Open(path), &gorm.Config{})
	case "postgres":
		host := utils.GetEnv("POSTGRES_HOST", "localhost", log)
		port := utils.GetEnv("POSTGRES_PORT", "5432", log)
		user := utils.GetEnv("POSTGRES_USER", "postgres", log)
		password := utils.GetEnv("POSTGRES_PASSWORD", "", log)
		name := utils.GetEnv("POSTGRES_NAME", "odooforge", log)
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
		})
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", driver)
	}
	if err != nil {
		serviceLog.Error("Failed to connect to database", "driver", driver, "error", err)
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	if driver == "postgres" {
		if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
			serviceLog.Error("Failed to enable uuid-ossp extension", "error", err)
			return nil, fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
		}
	}

	return &Service{db: db, log: serviceLog}, nil
}

func (s *Service) AutoMigrateAll() error {
	s.log.Info("Auto migrating tables...")
	if err := s.db.AutoMigrate(
		&types.User{},
		&types.UserToken{},
		&types.BuildSession{},
		&types.ModuleArtifact{},
		&types.TestVerdict{},
		&types.AcceptanceVerdict{},
		&types.DeliveryPackage{},
	); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	return nil
}

func (s *Service) DB() *gorm.DB {
	return s.db
}
