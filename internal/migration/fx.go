package migration

import (
	"strings"

	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/smallbiznis/coursepay/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if err := applySchema(conn, cfg, log); err != nil {
			return err
		}
		if !cfg.SeedSampleCourses {
			return nil
		}
		created, err := seed.EnsureSampleCourses(conn, cfg.NodeID)
		if err != nil {
			return err
		}
		log.Info("sample courses seeded", zap.Int("created", created))
		return nil
	}),
)

func applySchema(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	if !cfg.DBAutoMigrate {
		return nil
	}
	if !strings.EqualFold(strings.TrimSpace(cfg.DBType), "postgres") {
		if err := AutoMigrate(conn); err != nil {
			return err
		}
		log.Info("schema synced from models", zap.String("db_type", cfg.DBType))
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	version, err := RunMigrations(sqlDB)
	if err != nil {
		return err
	}
	log.Info("schema migrated", zap.Uint("version", version))
	return nil
}
