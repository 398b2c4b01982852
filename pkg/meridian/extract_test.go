package meridian

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCSRFToken(t *testing.T) {
	html := `<form action="/"><input type="hidden" name="authenticity_token" value="abc123XYZ==" /></form>`
	token, ok := extractCSRFToken(html)
	require.True(t, ok)
	assert.Equal(t, "abc123XYZ==", token)

	_, ok = extractCSRFToken(`<form action="/"><input name="email"></form>`)
	assert.False(t, ok)
}

func TestExtractRates(t *testing.T) {
	tests := []struct {
		name string
		html string
		want []float64
	}{
		{
			name: "cents per kWh normalized to dollars",
			html: `<p>Your plan charges 28.5 c/kWh at peak.</p>`,
			want: []float64{0.285},
		},
		{
			name: "cents spelled out",
			html: `<p>30 cents per kWh</p>`,
			want: []float64{0.30},
		},
		{
			name: "dollars per kWh",
			html: `<span>$0.31 per kWh</span>`,
			want: []float64{0.31},
		},
		{
			name: "rate label",
			html: `<div>Rate: $0.25</div>`,
			want: []float64{0.25},
		},
		{
			name: "table cell",
			html: `<td class="price"> $0.30 </td>`,
			want: []float64{0.30},
		},
		{
			name: "embedded JSON",
			html: `<script>var data = {"rate": 0.27};</script>`,
			want: []float64{0.27},
		},
		{
			name: "implausible values dropped",
			html: `<div>Rate: $5.00</div><div>Price: 0.02</div>`,
			want: nil,
		},
		{
			name: "no rates",
			html: `<html><body>Welcome back!</body></html>`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractRates(tt.html))
		})
	}
}

func TestExtractRatesCurrentRateLabel(t *testing.T) {
	html := `<div>Your current rate: $0.30</div>`
	rates := extractRates(html)
	require.NotEmpty(t, rates)
	assert.Equal(t, 0.30, rates[0])
}

func TestNormalizeRate(t *testing.T) {
	assert.Equal(t, 0.285, normalizeRate(28.5))
	assert.Equal(t, 0.30, normalizeRate(0.30))
	assert.Equal(t, 10.0, normalizeRate(10.0))
}

func TestMostCommonRate(t *testing.T) {
	r, ok := mostCommonRate([]float64{0.25, 0.30, 0.30, 0.25, 0.30})
	require.True(t, ok)
	assert.Equal(t, 0.30, r)

	// Ties go to the first-seen value.
	r, ok = mostCommonRate([]float64{0.25, 0.30})
	require.True(t, ok)
	assert.Equal(t, 0.25, r)

	_, ok = mostCommonRate(nil)
	assert.False(t, ok)
}

func TestExtractDailyUse(t *testing.T) {
	html := `<div>Today you used 15.2 kWh</div>
<div>Average usage: 18 kWh per day</div>
<div>Standby draw 0.4 kWh</div>
<div>Annual total 4800 kWh used</div>`

	values := extractDailyUse(html)
	require.NotEmpty(t, values)
	for _, v := range values {
		assert.GreaterOrEqual(t, v, 5.0)
		assert.LessOrEqual(t, v, 50.0)
	}
}

func TestMedianDailyUse(t *testing.T) {
	v, ok := medianDailyUse([]float64{15.0})
	require.True(t, ok)
	assert.Equal(t, 15.0, v)

	v, ok = medianDailyUse([]float64{10.0, 30.0, 20.0})
	require.True(t, ok)
	assert.Equal(t, 20.0, v)

	v, ok = medianDailyUse([]float64{10.0, 20.0})
	require.True(t, ok)
	assert.Equal(t, 15.0, v)

	_, ok = medianDailyUse(nil)
	assert.False(t, ok)
}
