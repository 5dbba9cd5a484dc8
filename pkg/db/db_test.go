package db

import (
	"testing"
	"time"

	"loyalty-engine/pkg/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
)

func TestMetricRegistersPlugin(t *testing.T) {
	gdb, err := NewTest()
	require.NoError(t, err)

	require.NoError(t, Metric(gdb))

	_, ok := gdb.Config.Plugins["gorm:prometheus"]
	require.True(t, ok)
}

func TestRegisterConnectionPoolAppliesSettings(t *testing.T) {
	gdb, err := NewTest()
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Database.ConnectionPool.MaxIdleConn = 2
	cfg.Database.ConnectionPool.MaxOpenConns = 4
	cfg.Database.ConnectionPool.ConnMaxLifetime = time.Minute
	cfg.Database.ConnectionPool.ConnMaxIdleTime = time.Minute

	RegisterConnectionPool(connectionPoolParams{
		Lifecycle: fxtest.NewLifecycle(t),
		DB:        gdb,
		Config:    cfg,
	})

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	require.Equal(t, 4, sqlDB.Stats().MaxOpenConnections)
}
