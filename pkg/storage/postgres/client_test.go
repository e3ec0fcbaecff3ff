package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"feedbridge/internal/feed/memorystore"
	"feedbridge/pkg/feed"
	"feedbridge/pkg/storage/postgres"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient connects to FEEDBRIDGE_TEST_POSTGRES_DSN or skips.
func testClient(t *testing.T) *postgres.PostgresClient {
	t.Helper()
	dsn := os.Getenv("FEEDBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FEEDBRIDGE_TEST_POSTGRES_DSN not set")
	}
	client, err := postgres.NewClient(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.AutoMigrateSettings())
	return client
}

// go test -v --run ^TestPostgresInvalidDSN$
func TestPostgresInvalidDSN(t *testing.T) {
	client, err := postgres.NewClient("host=invalid port=5432 user=fail password=fail dbname=fail sslmode=disable connect_timeout=1")
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.False(t, client.IsHealthy(ctx))
}

// go test -v --run ^TestSettingsRoundTrip$
func TestSettingsRoundTrip(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	scope := "test-" + time.Now().Format("150405.000000")
	defer client.DeleteSettings(ctx, scope)

	cs, err := client.LoadSettings(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, memorystore.DefaultChartSettings(), cs)

	require.NoError(t, client.SaveSettings(ctx, scope, memorystore.ChartSettings{Resolution: feed.Resolution5Min}))
	require.NoError(t, client.SaveSettings(ctx, scope, memorystore.ChartSettings{Resolution: feed.Resolution60Min, MarketCapMode: true}))

	cs, err = client.LoadSettings(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, feed.Resolution60Min, cs.Resolution)
	assert.True(t, cs.MarketCapMode)

	var count int64
	require.NoError(t, client.DB.Model(&postgres.ChartSettingsRecord{}).Where("scope = ?", scope).Count(&count).Error)
	assert.Equal(t, int64(1), count, "saves upsert a single row")
}

// go test -v --run ^TestRecordConversion$
func TestRecordConversion(t *testing.T) {
	rec := postgres.ToSettingsRecord("s", memorystore.ChartSettings{Resolution: feed.ResolutionDaily, MarketCapMode: true})
	assert.Equal(t, "s", rec.Scope)
	assert.Equal(t, "1D", rec.Resolution)
	assert.Equal(t, memorystore.ChartSettings{Resolution: feed.ResolutionDaily, MarketCapMode: true}, postgres.ToChartSettings(rec))
	assert.Equal(t, "chart_settings", rec.TableName())
}
