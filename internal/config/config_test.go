package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
log:
  level: debug
engine:
  queue_size: 64
  price_limit: 0.1
  dedup_ttl: 2h
kafka:
  brokers: ["k1:9092", "k2:9092"]
assets:
  - name: BTC
    prec_save: 10
    prec_show: 8
  - name: USDT
    prec_save: 8
    prec_show: 2
    min_amount: "0.01"
markets:
  - name: BTC_USDT
    stock: BTC
    money: USDT
    stock_prec: 6
    money_prec: 2
    fee_prec: 4
    min_amount: 0.001
    closing_price: "9000.5"
  - name: ETH_USDT
    stock: ETH
    money: USDT
    include_fee: false
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	conf, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", conf.HTTP.Addr)
	assert.Equal(t, "info", conf.Log.Level)
	assert.Equal(t, 1024, conf.Engine.QueueSize)
	assert.Equal(t, 24*time.Hour, conf.Engine.DedupTTL)
	assert.Equal(t, "orders", conf.Kafka.OrdersTopic)
	assert.Equal(t, 120*time.Second, conf.Jobs.ListingInterval)
	assert.Equal(t, int64(1545645600), conf.Jobs.ListingOffset)
	assert.Equal(t, int64(1546819200), conf.Jobs.ClosingOffset)
	assert.Equal(t, "data/slice", conf.Snapshot.Dir)
	assert.Empty(t, conf.Markets)
}

func TestLoadFile(t *testing.T) {
	conf, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", conf.Log.Level)
	assert.Equal(t, 64, conf.Engine.QueueSize)
	assert.Equal(t, 0.1, conf.Engine.PriceLimit)
	assert.Equal(t, 2*time.Hour, conf.Engine.DedupTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, conf.Kafka.Brokers)

	require.Len(t, conf.Assets, 2)
	assert.Equal(t, "USDT", conf.Assets[1].Symbol)
	assert.Equal(t, 8, conf.Assets[1].Prec)
	assert.True(t, decimal.RequireFromString("0.01").Equal(conf.Assets[1].MinAmount))

	require.Len(t, conf.Markets, 2)
	btc := conf.Markets[0]
	assert.True(t, btc.IncludeFee)
	assert.Equal(t, 4, btc.FeePrec)
	assert.True(t, decimal.RequireFromString("0.001").Equal(btc.MinAmount))
	assert.True(t, decimal.RequireFromString("9000.5").Equal(btc.ClosingPrice))
	assert.False(t, conf.Markets[1].IncludeFee)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ME_HTTP_ADDR", ":9999")
	t.Setenv("ME_ENGINE_QUEUE_SIZE", "8")
	t.Setenv("ME_SNAPSHOT_INTERVAL", "15m")
	t.Setenv("ME_KAFKA_BROKERS", "a:1,b:2")

	conf, err := Load(writeFile(t, sample))
	require.NoError(t, err)
	assert.Equal(t, ":9999", conf.HTTP.Addr)
	assert.Equal(t, 8, conf.Engine.QueueSize)
	assert.Equal(t, 15*time.Minute, conf.Snapshot.Interval)
	assert.Equal(t, []string{"a:1", "b:2"}, conf.Kafka.Brokers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"价格限制越界", "engine:\n  price_limit: 1.5\n"},
		{"重复资产", "assets:\n  - name: BTC\n  - name: BTC\n"},
		{"交易对缺少资产", "markets:\n  - name: X\n"},
		{"重复交易对", "markets:\n  - {name: A, stock: B, money: C}\n  - {name: A, stock: B, money: C}\n"},
		{"间隔非法", "snapshot:\n  interval: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
