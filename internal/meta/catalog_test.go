package meta

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/wxsection/nwpcache/internal/nwp"
)

func TestCatalogRecordAdmitUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	catalog, err := NewCatalogWithPool(mock, "cache_items")
	require.NoError(t, err)

	now := time.Unix(1736208000, 0).UTC()
	m := NewEntryMeta(sampleKey(), nwp.TierPersistent, nwp.StoreHandle{Path: "/data/x", SizeBytes: 42}, now)

	mock.ExpectExec("INSERT INTO cache_items").
		WithArgs(
			"node-1",
			m.Source,
			m.Cycle,
			m.ForecastHour,
			m.Tier,
			m.StorePath,
			m.SizeBytes,
			m.CreatedAt,
			m.LastAccess,
			m.AccessCount,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, catalog.RecordAdmit(context.Background(), "node-1", m))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogRecordEvictDeletesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	catalog, err := NewCatalogWithPool(mock, "cache_items")
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM cache_items").
		WithArgs("node-1", "hrrr", "20250107_00z", 6).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, catalog.RecordEvict(context.Background(), "node-1", sampleKey()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogRejectsInvalidTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewCatalogWithPool(mock, "cache-items; drop table")
	require.Error(t, err)
}

func TestNilCatalogIsNoOp(t *testing.T) {
	t.Parallel()

	var catalog *Catalog
	require.NoError(t, catalog.RecordAdmit(context.Background(), "n", EntryMeta{}))
	require.NoError(t, catalog.RecordEvict(context.Background(), "n", sampleKey()))
}
