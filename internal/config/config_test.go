package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ClearLedger/internal/auth"
	"ClearLedger/internal/config"
)

const sample = `
amount_scale: 2
venues:
  - id: venue-a
    clearing: true
    caps:
      per_account: 500
      global: 10000
  - id: venue-b
clearing:
  window: 30m
  include_zero_net_pairs: true
guard:
  price_max_age: 15s
  session:
    open: "09:30"
    close: "16:00"
    weekdays: [mon, tue, Wednesday]
roles:
  settler: [settlement]
  "*": [trigger_netting]
`

func TestParse_Sample(t *testing.T) {
	cfg, err := config.Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Clearing.Window.Duration)
	assert.True(t, cfg.Clearing.IncludeZeroNetPairs)
	assert.Equal(t, int64(500), cfg.Venues[0].Caps.PerAccount)

	cc := cfg.CoreConfig()
	require.Len(t, cc.Venues, 2)
	assert.True(t, cc.Venues[0].Clearing)
	assert.False(t, cc.Venues[1].Clearing)
	assert.Equal(t, 15*time.Second, cc.PriceMaxAge)
	assert.Equal(t, 9*60+30, cc.Session.OpenMinute)
	assert.Equal(t, 16*60, cc.Session.CloseMinute)
	assert.Equal(t, []time.Weekday{time.Monday, time.Tuesday, time.Wednesday}, cc.Session.Weekdays)

	table := cfg.RoleTable()
	assert.True(t, table.Has("settler", auth.RoleSettlement))
	assert.True(t, table.Has("anyone", auth.RoleTriggerNetting))
	assert.False(t, table.Has("anyone", auth.RoleSettlement))
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := config.Parse([]byte("venues: [{id: v1}]"))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, time.Hour, cfg.Clearing.Window.Duration)
	assert.Equal(t, 50, cfg.Persistence.BatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.Persistence.FlushTimeout.Duration)
	assert.Equal(t, 1_000_000, cfg.Dedup.LRUCapacity)
	assert.Zero(t, cfg.CoreConfig().Session.OpenMinute)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"no venues":          `amount_scale: 2`,
		"duplicate venue":    "venues: [{id: a}, {id: a}]",
		"negative cap":       "venues: [{id: a, caps: {per_account: -1}}]",
		"unknown role":       "venues: [{id: a}]\nroles: {x: [superuser]}",
		"reserved caller":    "venues: [{id: a}]\nroles: {\"internal:system\": [governance]}",
		"bad duration":       "venues: [{id: a}]\nclearing: {window: soon}",
		"bad session":        "venues: [{id: a}]\nguard: {session: {open: \"9am\"}}",
		"bad weekday":        "venues: [{id: a}]\nguard: {session: {weekdays: [funday]}}",
		"scale out of range": "venues: [{id: a}]\namount_scale: 30",
		"short fetch wait":   "venues: [{id: a}]\ningestion: {fetch_wait: 100ms}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clearledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("venues: [{id: v1}]\ngrpc_addr: \":7000\"\n"), 0o600))

	t.Chdir(dir)
	t.Setenv("CLEAR_GRPC_ADDR", ":7001")
	t.Setenv("CLEAR_PERSIST_BATCH_SIZE", "7")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.GRPCAddr)
	assert.Equal(t, 7, cfg.Persistence.BatchSize)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clearledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("venues: [{id: v1}]\nnetting_windw: 1h\n"), 0o600))
	t.Chdir(dir)

	_, err := config.Load(path)
	assert.Error(t, err)
}
