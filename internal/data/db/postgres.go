package db

import (
	"fmt"
	stdlog "log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/gpudispatch/internal/domain"
	"github.com/yungbote/gpudispatch/internal/platform/envutil"
	"github.com/yungbote/gpudispatch/internal/platform/logger"
)

// Service wraps a *gorm.DB with the connection/migration concerns the
// registry-using processes (orchestrator, worker) need once at startup.
type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewService opens the registry's Postgres connection. REGISTRY_TABLE
// names the logical registry, not a literal table — table name is fixed
// ("job") and REGISTRY_TABLE is recorded only as a connection tag for
// operational logging (multiple environments share the same schema).
func NewService(log *logger.Logger) (*Service, error) {
	serviceLog := log.With("service", "RegistryPostgres")

	host := envutil.String("POSTGRES_HOST", "localhost")
	port := envutil.String("POSTGRES_PORT", "5432")
	user := envutil.String("POSTGRES_USER", "postgres")
	password := envutil.String("POSTGRES_PASSWORD", "")
	name := envutil.String("POSTGRES_NAME", "gpudispatch")

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		user, password, host, port, name,
	)

	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	serviceLog.Info("connected to registry database", "registry_table", envutil.String("REGISTRY_TABLE", "job"))
	return &Service{db: gdb, log: serviceLog}, nil
}

// AutoMigrate creates/updates the job table and its (status, created_at)
// secondary index (§6 "Persisted state layout").
func (s *Service) AutoMigrate() error {
	if err := s.db.AutoMigrate(&domain.Job{}); err != nil {
		return fmt.Errorf("automigrate job table: %w", err)
	}
	if err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_status_created
		ON job (status, created_at);
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_status_created: %w", err)
	}
	return nil
}

func (s *Service) DB() *gorm.DB { return s.db }
