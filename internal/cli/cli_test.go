package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesync/internal/analytics"
)

const fillsCSV = `id,symbol,side,quantity,price,time,fee
1,BTCUSDT,BUY,100,150,2024-03-01T10:00:00Z,0.5
2,BTCUSDT,BUY,100,160,2024-03-01T11:00:00Z,0.5
3,BTCUSDT,SELL,200,170,2024-03-01T12:00:00Z,1
4,ETHUSDT,SELL,10,3000,2024-03-02T09:00:00Z,0
5,ETHUSDT,BUY,10,2975,2024-03-02T10:00:00Z,0
6,ETHUSDT,BUY,1,2900,2024-03-02T11:00:00Z,0
`

func setupEnv(t *testing.T) string {
	t.Helper()
	for _, key := range []string{"RATE_LIMITS_FILE", "AI_ANNOTATE", "KAFKA_BROKERS", "LOG_FORMAT", "MERGE_PRICE_TOLERANCE", "SYNC_CONCURRENCY"} {
		t.Setenv(key, "")
	}
	t.Setenv("LOG_LEVEL", "error")
	dir := t.TempDir()
	t.Setenv("DB_PATH", filepath.Join(dir, "journal.db"))
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReconstructImportAndStats(t *testing.T) {
	dir := setupEnv(t)
	fills := filepath.Join(dir, "fills.csv")
	require.NoError(t, os.WriteFile(fills, []byte(fillsCSV), 0o600))

	out, err := run(t, "reconstruct", "--fills", fills, "--account", "acc-1", "--import", "--user", "alice")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3, out)
	assert.True(t, strings.HasPrefix(lines[1], "acc-1,BTCUSDT,LONG,"))
	assert.True(t, strings.HasPrefix(lines[2], "acc-1,ETHUSDT,SHORT,"))

	// Importing the same file twice is a no-op.
	_, err = run(t, "reconstruct", "--fills", fills, "--account", "acc-1", "--import", "--user", "alice")
	require.NoError(t, err)

	out, err = run(t, "stats", "--user", "alice", "--json")
	require.NoError(t, err)
	var m analytics.PerformanceMetrics
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, 2, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.InDelta(t, 3250.0, m.NetPnL, 1e-6)

	out, err = run(t, "stats", "--user", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "Win rate")
	assert.Contains(t, out, "2024-03")
}

func TestReconstruct_OutFileAndFlags(t *testing.T) {
	dir := setupEnv(t)
	fills := filepath.Join(dir, "fills.csv")
	require.NoError(t, os.WriteFile(fills, []byte(fillsCSV), 0o600))
	outPath := filepath.Join(dir, "trades.csv")

	out, err := run(t, "reconstruct", "--fills", fills, "--out", outPath)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))
	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))

	_, err = run(t, "reconstruct", "--fills", fills, "--import")
	assert.ErrorContains(t, err, "--user is required")

	_, err = run(t, "reconstruct")
	assert.Error(t, err)
}

func TestSyncOptions(t *testing.T) {
	opts := &syncOptions{UserIDs: []string{"alice", "bob"}, Providers: []string{"binance", "oanda"}, Since: "2024-01-15"}
	reqs, err := opts.requests()
	require.NoError(t, err)
	require.Len(t, reqs, 4)
	assert.Equal(t, "bob", reqs[3].UserID)
	assert.Equal(t, "oanda", reqs[3].Provider)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), reqs[0].Since)

	_, err = (&syncOptions{UserIDs: []string{"alice"}}).requests()
	assert.Error(t, err)
}

func TestParseSince(t *testing.T) {
	ts, err := parseSince("2024-03-01T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), ts)

	ts, err = parseSince("")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	_, err = parseSince("last week")
	assert.Error(t, err)
}
