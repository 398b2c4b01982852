package meridian

import (
	"regexp"
	"sort"
	"strconv"
)

// The portal renders rates inconsistently across pages (cents, dollars,
// labels, table cells, embedded JSON), so a battery of patterns is
// tried and the most frequently seen plausible value wins.

var csrfTokenPattern = regexp.MustCompile(`name="authenticity_token"\s+value="([^"]+)"`)

var ratePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\d+\.?\d*)\s*c(?:ents)?/kWh`),
	regexp.MustCompile(`(?i)(\d+\.?\d*)\s*cents?\s*per\s*kWh`),
	regexp.MustCompile(`(?i)\$(\d+\.?\d*)\s*per\s*kWh`),
	regexp.MustCompile(`(?i)Rate[:\s]*\$?(\d+\.?\d*)`),
	regexp.MustCompile(`(?i)Price[:\s]*\$?(\d+\.?\d*)`),
	regexp.MustCompile(`(?i)(\d+\.?\d*)\s*¢/kWh`),
	regexp.MustCompile(`(?i)<td[^>]*>\s*\$?(\d+\.?\d*)\s*</td>`),
	regexp.MustCompile(`(?i)current[^>]*rate[^>]*[:\s]*\$?(\d+\.?\d*)`),
	regexp.MustCompile(`(?i)next[^>]*rate[^>]*[:\s]*\$?(\d+\.?\d*)`),
	regexp.MustCompile(`(?i)"rate"[:\s]*(\d+\.?\d*)`),
}

var usagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)today[^>]*[:\s]*(\d+\.?\d*)\s*kWh`),
	regexp.MustCompile(`(?i)daily[^>]*use[^>]*[:\s]*(\d+\.?\d*)\s*kWh`),
	regexp.MustCompile(`(?i)consumption[^>]*[:\s]*(\d+\.?\d*)\s*kWh`),
	regexp.MustCompile(`(?i)used[^>]*[:\s]*(\d+\.?\d*)\s*kWh`),
	regexp.MustCompile(`(?i)average[^>]*[:\s]*(\d+\.?\d*)\s*kWh`),
	regexp.MustCompile(`(?i)(\d+\.?\d*)\s*kWh[^>]*average`),
	regexp.MustCompile(`(?i)(\d+\.?\d*)\s*kWh[^>]*day`),
	regexp.MustCompile(`(?i)(\d+\.?\d*)\s*kWh[^>]*consumption`),
}

// Plausible bounds for a residential electricity rate in $/kWh.
const (
	minPlausibleRate = 0.15
	maxPlausibleRate = 0.50
)

// Plausible bounds for a household's daily consumption in kWh.
const (
	minPlausibleDailyUse = 5.0
	maxPlausibleDailyUse = 50.0
)

func extractCSRFToken(html string) (string, bool) {
	m := csrfTokenPattern.FindStringSubmatch(html)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// extractRates returns every plausible rate found in the page,
// normalized to $/kWh. Figures above 10 are taken to be cents.
func extractRates(html string) []float64 {
	var rates []float64
	for _, re := range ratePatterns {
		for _, m := range re.FindAllStringSubmatch(html, -1) {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			v = normalizeRate(v)
			if v >= minPlausibleRate && v <= maxPlausibleRate {
				rates = append(rates, v)
			}
		}
	}
	return rates
}

func normalizeRate(v float64) float64 {
	if v > 10 {
		return v / 100
	}
	return v
}

// mostCommonRate picks the value seen most often; ties go to the
// first-seen value so the result is deterministic.
func mostCommonRate(rates []float64) (float64, bool) {
	if len(rates) == 0 {
		return 0, false
	}
	counts := make(map[float64]int, len(rates))
	best, bestCount := 0.0, 0
	for _, r := range rates {
		counts[r]++
		if counts[r] > bestCount {
			best, bestCount = r, counts[r]
		}
	}
	return best, true
}

// extractDailyUse pulls plausible daily kWh figures off a page. Used
// as a fallback when the CSV export yields no average.
func extractDailyUse(html string) []float64 {
	var values []float64
	for _, re := range usagePatterns {
		for _, m := range re.FindAllStringSubmatch(html, -1) {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			if v >= minPlausibleDailyUse && v <= maxPlausibleDailyUse {
				values = append(values, v)
			}
		}
	}
	return values
}

func medianDailyUse(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2], true
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2, true
}
