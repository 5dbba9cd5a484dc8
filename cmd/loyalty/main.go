package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyalty-engine/internal/httpapi"
	pkgasynq "loyalty-engine/pkg/asynq"
	"loyalty-engine/pkg/commerce"
	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/db"
	"loyalty-engine/pkg/health"
	"loyalty-engine/pkg/logger"
	"loyalty-engine/pkg/redis"
	"loyalty-engine/pkg/sequence"
	"loyalty-engine/pkg/server"
	"loyalty-engine/services/campaign"
	"loyalty-engine/services/ledger"
	"loyalty-engine/services/loyalty"
	"loyalty-engine/services/member"
	"loyalty-engine/services/redemption"
	"loyalty-engine/services/referral"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		commerce.Module,
		health.Module,

		pkgasynq.Client,
		pkgasynq.Server,

		fx.Provide(provideSnowflakeNode),
		fx.Invoke(db.RegisterConnectionPool, db.Otel, db.Metric, migrate),

		ledger.Module,
		campaign.Module,
		referral.Module,
		member.Module,
		redemption.Module,
		loyalty.Module,

		httpapi.Module,
		server.ProvideHTTPServer,

		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&ledger.LoyaltyProgram{},
		&ledger.Tier{},
		&ledger.MemberLoyaltyStatus{},
		&ledger.PointsTransaction{},
		&member.Member{},
		&campaign.CampaignRule{},
		&campaign.Membership{},
		&campaign.EvaluationRecord{},
		&referral.ReferralRule{},
		&referral.Referral{},
		&redemption.Reward{},
		&redemption.DiscountCode{},
	)
}
