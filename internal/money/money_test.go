package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPercent(t *testing.T) {
	assert.Equal(t, int64(10000), Percent(100000, decimal.NewFromInt(10)))
	// 12.5% of 0.99 = 0.12375 -> 0.12
	assert.Equal(t, int64(12), Percent(99, decimal.RequireFromString("12.5")))
}

func TestSplit(t *testing.T) {
	testCases := []struct {
		name    string
		total   int64
		weights []int64
		want    []int64
	}{
		{name: "single line", total: 10000, weights: []int64{100000}, want: []int64{10000}},
		{name: "even", total: 300, weights: []int64{100, 100, 100}, want: []int64{100, 100, 100}},
		{name: "residue on last", total: 100, weights: []int64{1, 1, 1}, want: []int64{33, 33, 34}},
		{name: "skips zero weight", total: 50, weights: []int64{0, 200, 0}, want: []int64{0, 50, 0}},
		{name: "no weight", total: 50, weights: []int64{0, 0}, want: []int64{0, 0}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Split(tc.total, tc.weights)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "450.00", Format(45000))
	assert.Equal(t, "0.05", Format(5))
}

func TestParseMajor(t *testing.T) {
	v, err := ParseMajor("450.00")
	assert.NoError(t, err)
	assert.Equal(t, int64(45000), v)

	v, err = ParseMajor("0.5")
	assert.NoError(t, err)
	assert.Equal(t, int64(50), v)

	_, err = ParseMajor("abc")
	assert.Error(t, err)
}
