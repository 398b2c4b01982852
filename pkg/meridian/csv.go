package meridian

import (
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"
)

// The usage export carries one row per meter element per day:
// column 2 is the element name, column 3 the date (d/m/yyyy), and
// columns 4..51 hold 48 half-hour kWh figures.
const (
	csvElementColumn   = 2
	csvDateColumn      = 3
	csvFirstValue      = 4
	csvValuesPerDay    = 48
	csvMinimumColumns  = csvFirstValue + csvValuesPerDay
	csvDateLayout      = "2/1/2006"
	elementConsumption = "Consumption"
	elementFeedIn      = "Feed-in"
)

type usageStats struct {
	// Today's totals.
	DailyConsumption float64
	DailyFeedIn      float64
	// Last non-zero half-hour feed-in figure for today.
	SolarGeneration float64
	// Mean daily consumption over the history window.
	AverageDailyUse float64

	HaveToday bool
	// Days is the number of daily consumption totals the average
	// was computed from.
	Days int
}

// parseUsageCSV computes the daily figures from the portal's usage
// export. Rows with unknown shape are skipped, unparseable half-hour
// cells count as zero, matching how the portal pads missing periods.
func parseUsageCSV(data string, now time.Time, historyDays int) (usageStats, error) {
	var stats usageStats

	r := csv.NewReader(strings.NewReader(data))
	r.FieldsPerRecord = -1

	// header
	if _, err := r.Read(); err != nil {
		return stats, errors.New("meridian: usage CSV is empty")
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	windowStart := today.AddDate(0, 0, -historyDays)

	var consumptionTotals []float64
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Ragged or binary content; the shape checks below
			// handle short rows, anything else is skipped.
			continue
		}
		if len(record) < csvMinimumColumns {
			continue
		}

		element := strings.TrimSpace(record[csvElementColumn])
		date, err := time.ParseInLocation(csvDateLayout, strings.TrimSpace(record[csvDateColumn]), now.Location())
		if err != nil {
			continue
		}

		values := make([]float64, 0, csvValuesPerDay)
		for _, cell := range record[csvFirstValue : csvFirstValue+csvValuesPerDay] {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				v = 0
			}
			values = append(values, v)
		}
		total := sum(values)

		if element == elementConsumption && total > 0 && date.After(windowStart) && !date.After(today) {
			consumptionTotals = append(consumptionTotals, total)
		}

		if !date.Equal(today) {
			continue
		}
		stats.HaveToday = true
		switch element {
		case elementConsumption:
			stats.DailyConsumption = total
		case elementFeedIn:
			stats.DailyFeedIn = total
			for i := len(values) - 1; i >= 0; i-- {
				if values[i] > 0 {
					stats.SolarGeneration = values[i]
					break
				}
			}
		}
	}

	if len(consumptionTotals) > 0 {
		stats.AverageDailyUse = sum(consumptionTotals) / float64(len(consumptionTotals))
		stats.Days = len(consumptionTotals)
	}
	return stats, nil
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

// looksLikeCSV applies loose heuristics: the portal serves the export
// with inconsistent content types, sometimes as text/html.
func looksLikeCSV(contentType, body string) bool {
	ct := strings.ToLower(contentType)
	typed := strings.Contains(ct, "csv") || strings.Contains(ct, "text") || strings.Contains(ct, "application/octet-stream")
	if !typed && !strings.Contains(body, ",") {
		return false
	}
	if strings.Contains(strings.ToLower(body), "<html") {
		return false
	}
	lines := strings.Split(body, "\n")
	if len(lines) < 2 {
		return false
	}
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.Contains(line, ",") {
			return false
		}
	}
	return true
}
