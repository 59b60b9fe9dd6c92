package criterion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestFocalGradient compares the analytic focal gradient with central differences.
func TestFocalGradient(t *testing.T) {
	tests := []struct {
		name         string
		y            float64
		alpha, gamma float64
	}{
		{"positive", 1, 0.25, 2},
		{"negative", 0, 0.25, 2},
		{"soft target", 0.3, 0.25, 2},
		{"no alpha", 1, -1, 2},
		{"gamma one", 0, 0.5, 1},
	}

	const eps = 1e-6
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, x := range []float64{-6, -2, -0.3, 0, 0.7, 3, 9} {
				_, g := focal(x, tt.y, tt.alpha, tt.gamma)
				lp, _ := focal(x+eps, tt.y, tt.alpha, tt.gamma)
				lm, _ := focal(x-eps, tt.y, tt.alpha, tt.gamma)
				assert.InDelta(t, (lp-lm)/(2*eps), g, 1e-6, "x=%v", x)
			}
		})
	}
}

func TestFocalValues(t *testing.T) {
	// At x=0, p=0.5: BCE=ln2, (1-p_t)^2=0.25.
	loss, _ := focal(0, 1, 0.25, 2)
	assert.InDelta(t, 0.25*math.Ln2*0.25, loss, 1e-12)
	loss, _ = focal(0, 0, 0.25, 2)
	assert.InDelta(t, 0.75*math.Ln2*0.25, loss, 1e-12)

	// Confident and correct costs almost nothing.
	loss, _ = focal(12, 1, 0.25, 2)
	assert.Less(t, loss, 1e-9)

	// Large logits stay finite.
	loss, g := focal(80, 0, 0.25, 2)
	assert.False(t, math.IsInf(loss, 0) || math.IsNaN(loss))
	assert.False(t, math.IsInf(g, 0) || math.IsNaN(g))
}

// TestDice checks the smoothed Dice loss and its gradient.
func TestDice(t *testing.T) {
	logits := []float32{2, -1, 0.5, -3, 1.5, 0}
	target := []float32{1, 0, 1, 0, 0, 1}

	loss, grad := dice(logits, target)
	assert.True(t, loss > 0 && loss < 1)

	const eps = 1e-3
	for i := range logits {
		plus := append([]float32(nil), logits...)
		minus := append([]float32(nil), logits...)
		plus[i] += eps
		minus[i] -= eps
		lp, _ := dice(plus, target)
		lm, _ := dice(minus, target)
		delta := float64(plus[i]) - float64(minus[i])
		assert.InDelta(t, (lp-lm)/delta, grad[i], 1e-4, "component %d", i)
	}

	// A perfect confident prediction approaches zero loss.
	perfect := []float32{20, -20, 20, -20, -20, 20}
	loss, _ = dice(perfect, target)
	assert.InDelta(t, 0, loss, 1e-6)
}
