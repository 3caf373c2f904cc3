package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianq/perpcore/internal/clients/okx"
	"github.com/meridianq/perpcore/internal/database"
	"github.com/meridianq/perpcore/internal/domain"
	"github.com/meridianq/perpcore/internal/modules/execution"
	testingpkg "github.com/meridianq/perpcore/internal/testing"
)

const testSymbol = "BTC-USDT-SWAP"

type syncFixture struct {
	db        *database.DB
	venue     *testingpkg.MockVenue
	snapshots *SnapshotRepository
	positions *execution.PositionRepository
	orders    *execution.OrderRepository
	lifecycle *execution.Manager
	trades    *execution.TradeRepository
	risk      *testingpkg.MockRiskSink
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t)
	t.Cleanup(cleanup)
	conn := db.Conn()
	return &syncFixture{
		db:        db,
		venue:     testingpkg.NewMockVenue(),
		snapshots: NewSnapshotRepository(conn),
		positions: execution.NewPositionRepository(conn),
		orders:    execution.NewOrderRepository(conn),
		lifecycle: execution.NewManager(conn, zerolog.Nop()),
		trades:    execution.NewTradeRepository(conn),
		risk:      testingpkg.NewMockRiskSink(),
	}
}

func (f *syncFixture) accountSyncer() *AccountSyncer {
	return NewAccountSyncer(
		AccountConfig{Symbol: testSymbol},
		f.venue, f.snapshots, f.positions, f.risk, zerolog.Nop(),
	)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func venuePosition(side domain.PositionSide, size, entry string) domain.VenuePosition {
	return domain.VenuePosition{
		Symbol:     testSymbol,
		PosSide:    side,
		Size:       dec(size),
		EntryPrice: dec(entry),
		Leverage:   2,
	}
}

func TestAccountSyncBalances(t *testing.T) {
	f := newSyncFixture(t)
	f.venue.SeedBalances([]domain.Balance{
		{Currency: "USDT", Total: dec("10000"), Free: dec("9500"), Used: dec("500")},
		{Currency: "BTC", Total: dec("0.5"), Free: dec("0.5"), Used: dec("0")},
	})

	syncer := f.accountSyncer()
	fixed := time.UnixMilli(1_700_000_000_000)
	syncer.now = func() time.Time { return fixed }

	require.NoError(t, syncer.Sync(context.Background()))

	usdt, err := f.snapshots.LatestBalance("USDT")
	require.NoError(t, err)
	require.NotNil(t, usdt)
	assert.True(t, usdt.Total.Equal(dec("10000")))
	assert.True(t, usdt.Free.Equal(dec("9500")))
	assert.Equal(t, fixed.UnixMilli(), usdt.Ts)

	// Re-running at the same timestamp is a no-op on the time series but
	// still appends a snapshot.
	require.NoError(t, syncer.Sync(context.Background()))

	conn := f.db.Conn()
	var balanceRows, snapshotRows int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM balances`).Scan(&balanceRows))
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM balance_snapshots`).Scan(&snapshotRows))
	assert.Equal(t, 2, balanceRows, "one row per currency")
	assert.Equal(t, 2, snapshotRows, "snapshots are append-only")

	var raw string
	require.NoError(t, conn.QueryRow(`SELECT raw_payload FROM balance_snapshots LIMIT 1`).Scan(&raw))
	assert.Contains(t, raw, `"currency":"USDT"`)
}

func TestAccountSyncUnknownBalance(t *testing.T) {
	f := newSyncFixture(t)
	b, err := f.snapshots.LatestBalance("USDT")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestAccountSyncMirrorsVenuePositions(t *testing.T) {
	f := newSyncFixture(t)
	f.venue.SeedBalances([]domain.Balance{{Currency: "USDT", Total: dec("10000")}})
	vp := venuePosition(domain.PositionLong, "0.5", "50000")
	vp.UnrealizedPnL = dec("120")
	vp.Raw = []byte(`{"instId":"BTC-USDT-SWAP","pos":"0.5"}`)
	f.venue.SeedPositions([]domain.VenuePosition{vp})

	require.NoError(t, f.accountSyncer().Sync(context.Background()))

	pos, err := f.positions.Get(testSymbol, domain.PositionLong)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Size.Equal(dec("0.5")))
	assert.True(t, pos.EntryPrice.Equal(dec("50000")))
	require.True(t, pos.UnrealizedPnL.Valid)
	assert.True(t, pos.UnrealizedPnL.Decimal.Equal(dec("120")))

	// A position the local book never opened is maximal drift.
	events := f.risk.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "WARN", events[0].Level)
	assert.Equal(t, "POSITION_DRIFT", events[0].Rule)

	var raw string
	conn := f.db.Conn()
	require.NoError(t, conn.QueryRow(
		`SELECT raw_payload FROM position_snapshots WHERE symbol = ?`, testSymbol,
	).Scan(&raw))
	assert.Equal(t, string(vp.Raw), raw, "venue payload is stored verbatim")
}

func TestAccountSyncFlattensMissingPositions(t *testing.T) {
	f := newSyncFixture(t)
	f.venue.SeedBalances([]domain.Balance{{Currency: "USDT", Total: dec("10000")}})
	require.NoError(t, f.positions.Upsert(execution.Position{
		Symbol:     testSymbol,
		PosSide:    domain.PositionLong,
		Size:       dec("0.5"),
		EntryPrice: dec("50000"),
		Leverage:   2,
	}))

	require.NoError(t, f.accountSyncer().Sync(context.Background()))

	pos, err := f.positions.Get(testSymbol, domain.PositionLong)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Size.IsZero(), "venue reports nothing, local flattens")

	events := f.risk.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "POSITION_DRIFT", events[0].Rule)
	assert.Contains(t, events[0].Message, "venue=0")

	var raw string
	require.NoError(t, f.db.Conn().QueryRow(
		`SELECT raw_payload FROM position_snapshots WHERE symbol = ?`, testSymbol,
	).Scan(&raw))
	assert.Contains(t, raw, `"closed":true`)
}

func TestAccountSyncDriftWithinTolerance(t *testing.T) {
	f := newSyncFixture(t)
	f.venue.SeedBalances([]domain.Balance{{Currency: "USDT", Total: dec("10000")}})
	require.NoError(t, f.positions.Upsert(execution.Position{
		Symbol:     testSymbol,
		PosSide:    domain.PositionLong,
		Size:       dec("0.5"),
		EntryPrice: dec("50000"),
		Leverage:   2,
	}))
	f.venue.SeedPositions([]domain.VenuePosition{venuePosition(domain.PositionLong, "0.5001", "50000")})

	require.NoError(t, f.accountSyncer().Sync(context.Background()))

	assert.Empty(t, f.risk.Events(), "0.02%% disagreement is under tolerance")
	pos, err := f.positions.Get(testSymbol, domain.PositionLong)
	require.NoError(t, err)
	assert.True(t, pos.Size.Equal(dec("0.5001")), "venue view still wins")
}

func TestAccountSyncBalanceFailureStillSyncsPositions(t *testing.T) {
	f := newSyncFixture(t)
	f.venue.SetError("FetchBalances", okx.ErrUnavailable)
	f.venue.SeedPositions([]domain.VenuePosition{venuePosition(domain.PositionShort, "0.2", "51000")})

	err := f.accountSyncer().Sync(context.Background())
	assert.ErrorIs(t, err, okx.ErrUnavailable)

	pos, perr := f.positions.Get(testSymbol, domain.PositionShort)
	require.NoError(t, perr)
	require.NotNil(t, pos)
	assert.True(t, pos.Size.Equal(dec("0.2")))
}
