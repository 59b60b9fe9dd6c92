package criterion

import "math"

// sigmoid is the logistic function in float64.
func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// bceWithLogits is the numerically stable binary cross-entropy of logit x against target y.
func bceWithLogits(x, y float64) float64 {
	return math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
}

// focal returns the sigmoid focal loss of logit x against soft target y together with its
// derivative with respect to x.
//
//	L = a_t * BCE(x, y) * (1 - p_t)^gamma
//
// where p = sigmoid(x), p_t = p*y + (1-p)*(1-y) and a_t = alpha*y + (1-alpha)*(1-y). A
// negative alpha disables the balancing factor.
func focal(x, y, alpha, gamma float64) (loss, grad float64) {
	p := sigmoid(x)
	ce := bceWithLogits(x, y)
	pt := p*y + (1-p)*(1-y)
	base := 1 - pt
	mod := math.Pow(base, gamma)

	at := 1.0
	if alpha >= 0 {
		at = alpha*y + (1-alpha)*(1-y)
	}

	var dmod float64
	if base > 0 {
		dpt := (2*y - 1) * p * (1 - p)
		dmod = -gamma * math.Pow(base, gamma-1) * dpt
	}
	return at * ce * mod, at * ((p-y)*mod + ce*dmod)
}

// dice returns the soft Dice loss of mask logits against a binary target, with +1
// smoothing, and its gradient with respect to the logits.
//
//	L = 1 - (2*sum(p*t) + 1) / (sum(p) + sum(t) + 1)
func dice(logits, target []float32) (float64, []float64) {
	probs := make([]float64, len(logits))
	var inter, sp, st float64
	for i, x := range logits {
		p := sigmoid(float64(x))
		probs[i] = p
		t := float64(target[i])
		inter += p * t
		sp += p
		st += t
	}
	num := 2*inter + 1
	den := sp + st + 1

	grad := make([]float64, len(logits))
	for i, p := range probs {
		t := float64(target[i])
		dp := -(2*t*den - num) / (den * den)
		grad[i] = dp * p * (1 - p)
	}
	return 1 - num/den, grad
}

// sign is the subgradient of |x|.
func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
