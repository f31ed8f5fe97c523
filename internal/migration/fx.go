package migration

import (
	"strings"

	burndomain "github.com/smallbiznis/creditmeter/internal/burntable/domain"
	"github.com/smallbiznis/creditmeter/internal/config"
	costdomain "github.com/smallbiznis/creditmeter/internal/costcatalog/domain"
	entitlementdomain "github.com/smallbiznis/creditmeter/internal/entitlement/domain"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Non-postgres deployments (sqlite dev mode, mysql) take the gorm
		// schema directly; versioned SQL migrations are postgres-only.
		if !strings.EqualFold(cfg.DBType, "postgres") {
			return autoMigrate(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)

func autoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&walletdomain.Wallet{},
		&walletdomain.Transaction{},
		&walletdomain.Reservation{},
		&usagedomain.UsageEvent{},
		&costdomain.CostEntry{},
		&burndomain.BurnTable{},
		&entitlementdomain.Entitlement{},
	)
}
