package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTwistOnlySetsActiveComponents(t *testing.T) {
	v := NewTwist(0.3, -0.2)

	assert.Equal(t, Velocity{0.3, 0, 0, 0, 0, -0.2}, v)
	assert.Equal(t, 0.3, v.Linear())
	assert.Equal(t, -0.2, v.Angular())
	assert.False(t, v.IsZero())
	assert.True(t, ZeroVelocity().IsZero())
}

func TestSafeRangeContains(t *testing.T) {
	r := DefaultSafeRange()

	cases := []struct {
		name string
		v    Velocity
		want bool
	}{
		{"zero", ZeroVelocity(), true},
		{"at limits", NewTwist(0.5, -1.0), true},
		{"linear too fast", NewTwist(0.51, 0), false},
		{"angular too fast", NewTwist(0, 1.2), false},
		{"lateral component", Velocity{0.1, 0.1, 0, 0, 0, 0}, false},
		{"nan", NewTwist(math.NaN(), 0), false},
		{"inf", NewTwist(0, math.Inf(1)), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.Contains(tc.v))
		})
	}
}

func TestVelocitySliceIsACopy(t *testing.T) {
	v := NewTwist(0.1, 0.2)
	s := v.Slice()
	s[0] = 9

	assert.Len(t, s, 6)
	assert.Equal(t, 0.1, v.Linear())
}
