package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wxsection/nwpcache/internal/nwp"
)

func TestDescribeUnknownSource(t *testing.T) {
	t.Parallel()

	reg := Default()
	_, err := reg.Describe("nam")
	require.ErrorIs(t, err, nwp.ErrUnknownSource)
}

func TestForecastHoursHRRR(t *testing.T) {
	t.Parallel()

	reg := Default()
	spec, err := reg.Describe("hrrr")
	require.NoError(t, err)

	base := spec.ForecastHours(nwp.CycleKey{Date: "20250107", Hour: 3})
	require.Len(t, base, 19)
	require.Equal(t, 0, base[0])
	require.Equal(t, 18, base[len(base)-1])

	synoptic := spec.ForecastHours(nwp.CycleKey{Date: "20250107", Hour: 12})
	require.Len(t, synoptic, 49)
	require.Equal(t, 48, synoptic[len(synoptic)-1])
}

func TestForecastHoursGFSStrides(t *testing.T) {
	t.Parallel()

	reg := Default()
	spec, err := reg.Describe("gfs")
	require.NoError(t, err)

	hours := spec.ForecastHours(nwp.CycleKey{Date: "20250107", Hour: 0})
	require.Equal(t, 0, hours[0])
	require.Contains(t, hours, 120)
	require.Contains(t, hours, 126)
	require.NotContains(t, hours, 123)
	require.Contains(t, hours, 384)
	// 3-hourly up to F120 (41 values) plus 6-hourly F126..F384 (44 values).
	require.Len(t, hours, 85)
}

func TestLatestCyclesHonorsLag(t *testing.T) {
	t.Parallel()

	reg := Default()
	spec, err := reg.Describe("hrrr")
	require.NoError(t, err)

	// At 01:10Z with a 50 minute lag the newest expected cycle is 00Z.
	now := time.Date(2025, 1, 7, 1, 10, 0, 0, time.UTC)
	cycles := spec.LatestCycles(now, 2)
	require.Equal(t, []nwp.CycleKey{
		{Date: "20250107", Hour: 0},
		{Date: "20250106", Hour: 23},
	}, cycles)
}

func TestLatestSynopticCycle(t *testing.T) {
	t.Parallel()

	reg := Default()
	spec, err := reg.Describe("hrrr")
	require.NoError(t, err)

	now := time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC)
	cycle, ok := spec.LatestSynopticCycle(now)
	require.True(t, ok)
	require.Equal(t, nwp.CycleKey{Date: "20250107", Hour: 6}, cycle)

	gfs, err := reg.Describe("gfs")
	require.NoError(t, err)
	_, ok = gfs.LatestSynopticCycle(now)
	require.False(t, ok)
}

func TestURLsForExpandsTemplates(t *testing.T) {
	t.Parallel()

	reg := Default()
	spec, err := reg.Describe("hrrr")
	require.NoError(t, err)

	key := nwp.ItemKey{Source: "hrrr", Cycle: nwp.CycleKey{Date: "20250107", Hour: 6}, ForecastHour: 6}
	urls, err := spec.URLsFor(key, nwp.SubPressure)
	require.NoError(t, err)
	require.Len(t, urls, 2)
	require.Equal(t, "nomads", urls[0].Mirror)
	require.Equal(t,
		"https://nomads.ncep.noaa.gov/pub/data/nccf/com/hrrr/prod/hrrr.20250107/conus/hrrr.t06z.wrfprsf06.grib2",
		urls[0].URL)

	_, err = spec.URLsFor(key, "soundings")
	require.Error(t, err)
}

func TestApplySlotOverrides(t *testing.T) {
	t.Parallel()

	reg := Default()
	reg.ApplySlotOverrides(map[string]int{"hrrr": 6, "nam": 3})
	spec, err := reg.Describe("hrrr")
	require.NoError(t, err)
	require.Equal(t, 6, spec.SlotBudget)
}
