package db

import (
	"fmt"
	"os"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/pagesmith/pagesmith-backend/internal/domain"
	"github.com/pagesmith/pagesmith-backend/internal/platform/logger"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "postgres")
	password := getEnv("POSTGRES_PASSWORD", "")
	name := getEnv("POSTGRES_NAME", "pagesmith")

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)

	serviceLog.Info("Connecting to Postgres...")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

func (s *PostgresService) AutoMigrateAll() error {
	return AutoMigrate(s.db)
}

// AutoMigrate creates the core tables. The three version families share one
// row shape and get one table each.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&domain.SessionRouting{},
		&domain.SessionUsage{},
		&domain.ModelCallLog{},
	); err != nil {
		return err
	}
	for _, family := range []domain.VersionFamily{
		domain.FamilyPage,
		domain.FamilyProductDoc,
		domain.FamilyProject,
	} {
		if err := gdb.Table(domain.VersionTableName(family)).AutoMigrate(&domain.VersionRecord{}); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}
