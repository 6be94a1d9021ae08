package money

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSumAvoidsFloatDrift(t *testing.T) {
	assert.Equal(t, 0.3, Sum(0.1, 0.2))
	assert.Equal(t, 0.0, Sum())
	assert.Equal(t, 1.5, Sum(1.5, math.NaN()))
}

func TestPercent(t *testing.T) {
	pct, ok := Percent(decimal.NewFromInt(500), decimal.NewFromInt(10000))
	assert.True(t, ok)
	assert.True(t, pct.Equal(decimal.NewFromInt(5)))

	_, ok = Percent(decimal.NewFromInt(1), decimal.Zero)
	assert.False(t, ok)
}
