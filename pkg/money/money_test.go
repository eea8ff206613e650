package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRoundCents(t *testing.T) {
	assert.True(t, RoundCents(decimal.NewFromFloat(10.005)).Equal(decimal.NewFromFloat(10.01)))
	assert.True(t, RoundCents(decimal.NewFromFloat(10.004)).Equal(decimal.NewFromFloat(10.00)))
	assert.True(t, RoundCents(decimal.NewFromFloat(-2.555)).Equal(decimal.NewFromFloat(-2.56)))
}

func TestClampZero(t *testing.T) {
	assert.True(t, ClampZero(decimal.NewFromInt(-5)).Equal(decimal.Zero))
	assert.True(t, ClampZero(decimal.Zero).Equal(decimal.Zero))
	assert.True(t, ClampZero(decimal.NewFromFloat(3.25)).Equal(decimal.NewFromFloat(3.25)))
}

func TestSum(t *testing.T) {
	total := Sum(decimal.NewFromFloat(0.1), decimal.NewFromFloat(0.2), decimal.NewFromFloat(0.3))
	assert.True(t, total.Equal(decimal.NewFromFloat(0.6)), "got %s", total)
	assert.True(t, Sum().Equal(decimal.Zero))
}
