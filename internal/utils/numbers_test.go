package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeFloat(t *testing.T) {
	assert.Equal(t, 1.5, SafeFloat(1.5))
	assert.Equal(t, 42.0, SafeFloat(42))
	assert.Equal(t, 3.14, SafeFloat("3.14"))
	assert.Equal(t, 0.0, SafeFloat("not a number"))
	assert.Equal(t, 0.0, SafeFloat(nil))
	assert.Equal(t, 0.0, SafeFloat(math.NaN()))
	assert.Equal(t, 0.0, SafeFloat(math.Inf(1)))
	assert.Equal(t, 0.0, SafeFloat(math.Inf(-1)))
	assert.Equal(t, 0.0, SafeFloat([]string{"x"}))
}

func TestSafeFloatStr(t *testing.T) {
	assert.Equal(t, 97500.5, SafeFloatStr("97500.5"))
	assert.Equal(t, 0.0, SafeFloatStr(""))
	assert.Equal(t, 0.0, SafeFloatStr("NaN"))
	assert.Equal(t, 0.0, SafeFloatStr("Inf"))
	assert.Equal(t, -2.5, SafeFloatStr("-2.5"))
}
