package meridian

import "time"

// Reading is one refresh cycle's worth of portal data. Values are
// rebuilt from scratch every cycle and never persisted.
type Reading struct {
	// CurrentRate and NextRate are electricity prices in $/kWh.
	CurrentRate float64
	NextRate    float64

	// SolarGeneration is the most recent non-zero half-hour feed-in
	// figure for today, in kWh.
	SolarGeneration float64

	// DailyConsumption and DailyFeedIn are today's totals in kWh.
	DailyConsumption float64
	DailyFeedIn      float64

	// AverageDailyUse is the mean daily consumption over the
	// configured history window, in kWh.
	AverageDailyUse float64

	FetchedAt time.Time
}
