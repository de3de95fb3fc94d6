package registry

import (
	"time"

	"github.com/wxsection/nwpcache/internal/nwp"
)

// Default builds the registry for the three supported feeds. Slot budgets and
// availability lags reflect observed NOMADS publication behavior: HRRR
// appears ~50 minutes after init, GFS ~3 hours, RRFS is probed aggressively
// because its lag varies. RRFS gets the largest budget because its transfers
// are the slowest and would otherwise dominate a shared pool.
func Default() *Registry {
	hrrr := SourceSpec{
		Name:            "hrrr",
		SubResources:    []nwp.SubResource{nwp.SubPressure, nwp.SubSurface},
		SlotBudget:      4,
		CycleHours:      everyHour(),
		AvailabilityLag: 50 * time.Minute,
		RefreshInterval: 2 * time.Second,
		LiveCycleCount:  2,
		BaseMaxHour:     18,
		ExtendedMaxHour: 48,
		SynopticHours:   []int{0, 6, 12, 18},
		URLs: map[nwp.SubResource][]MirrorURL{
			nwp.SubPressure: {
				{Mirror: "nomads", Template: "https://nomads.ncep.noaa.gov/pub/data/nccf/com/hrrr/prod/hrrr.{date}/conus/hrrr.t{hh}z.wrfprsf{ff}.grib2"},
				{Mirror: "aws", Template: "https://noaa-hrrr-bdp-pds.s3.amazonaws.com/hrrr.{date}/conus/hrrr.t{hh}z.wrfprsf{ff}.grib2"},
			},
			nwp.SubSurface: {
				{Mirror: "nomads", Template: "https://nomads.ncep.noaa.gov/pub/data/nccf/com/hrrr/prod/hrrr.{date}/conus/hrrr.t{hh}z.wrfsfcf{ff}.grib2"},
				{Mirror: "aws", Template: "https://noaa-hrrr-bdp-pds.s3.amazonaws.com/hrrr.{date}/conus/hrrr.t{hh}z.wrfsfcf{ff}.grib2"},
			},
			// Native-level data is only needed for smoke products and is
			// fetched lazily on first request, so it is not part of the
			// required sub-resource set above.
			nwp.SubNative: {
				{Mirror: "nomads", Template: "https://nomads.ncep.noaa.gov/pub/data/nccf/com/hrrr/prod/hrrr.{date}/conus/hrrr.t{hh}z.wrfnatf{ff}.grib2"},
				{Mirror: "aws", Template: "https://noaa-hrrr-bdp-pds.s3.amazonaws.com/hrrr.{date}/conus/hrrr.t{hh}z.wrfnatf{ff}.grib2"},
			},
		},
	}

	gfs := SourceSpec{
		Name:            "gfs",
		SubResources:    []nwp.SubResource{nwp.SubPressure},
		SlotBudget:      2,
		CycleHours:      []int{0, 6, 12, 18},
		AvailabilityLag: 180 * time.Minute,
		RefreshInterval: 10 * time.Second,
		LiveCycleCount:  2,
		BaseMaxHour:     384,
		HourSteps: []HourStep{
			{From: 0, Step: 3},
			{From: 126, Step: 6},
		},
		URLs: map[nwp.SubResource][]MirrorURL{
			nwp.SubPressure: {
				{Mirror: "nomads", Template: "https://nomads.ncep.noaa.gov/pub/data/nccf/com/gfs/prod/gfs.{date}/{hh}/atmos/gfs.t{hh}z.pgrb2.0p25.f{fff}"},
				{Mirror: "aws", Template: "https://noaa-gfs-bdp-pds.s3.amazonaws.com/gfs.{date}/{hh}/atmos/gfs.t{hh}z.pgrb2.0p25.f{fff}"},
			},
		},
	}

	rrfs := SourceSpec{
		Name:            "rrfs",
		SubResources:    []nwp.SubResource{nwp.SubPressure},
		SlotBudget:      8,
		CycleHours:      everyHour(),
		AvailabilityLag: 0,
		RefreshInterval: 2 * time.Second,
		LiveCycleCount:  4,
		BaseMaxHour:     18,
		URLs: map[nwp.SubResource][]MirrorURL{
			nwp.SubPressure: {
				{Mirror: "nomads", Template: "https://nomads.ncep.noaa.gov/pub/data/nccf/com/rrfs/prod/rrfs.{date}/{hh}/rrfs.t{hh}z.prslev.f{fff}.conus_3km.grib2"},
				{Mirror: "aws", Template: "https://noaa-rrfs-pds.s3.amazonaws.com/rrfs.{date}/{hh}/rrfs.t{hh}z.prslev.f{fff}.conus_3km.grib2"},
			},
		},
	}

	reg, err := New(hrrr, gfs, rrfs)
	if err != nil {
		// Specs above are compile-time constants; New can only fail on a
		// programming error.
		panic(err)
	}
	return reg
}

func everyHour() []int {
	hours := make([]int, 24)
	for i := range hours {
		hours[i] = i
	}
	return hours
}
