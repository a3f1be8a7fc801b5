package evaluation

import "math"

// welchTTest returns the two-sided p-value of Welch's unequal-variance
// t-test over two per-case score samples. Degenerate inputs (fewer than two
// observations, or zero variance on both sides) return 1.0 so they can
// never be read as significant.
func welchTTest(a, b []float64) float64 {
	if len(a) < 2 || len(b) < 2 {
		return 1.0
	}

	meanA, varA := meanVariance(a)
	meanB, varB := meanVariance(b)

	seA := varA / float64(len(a))
	seB := varB / float64(len(b))
	se := seA + seB
	if se == 0 {
		return 1.0
	}

	t := (meanB - meanA) / math.Sqrt(se)

	// Welch-Satterthwaite degrees of freedom.
	df := se * se / (seA*seA/float64(len(a)-1) + seB*seB/float64(len(b)-1))
	if math.IsNaN(df) || df <= 0 {
		return 1.0
	}

	p := studentTPValue(math.Abs(t), df)
	if math.IsNaN(p) {
		return 1.0
	}
	return p
}

func meanVariance(xs []float64) (mean, variance float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs) - 1)
	return mean, variance
}

// studentTPValue is the two-sided tail probability P(|T| >= t) for a
// Student-t distribution with df degrees of freedom, computed through the
// regularized incomplete beta function.
func studentTPValue(t, df float64) float64 {
	x := df / (df + t*t)
	return regularizedIncompleteBeta(df/2, 0.5, x)
}

// regularizedIncompleteBeta computes I_x(a, b) using the continued-fraction
// expansion (Numerical Recipes 6.4).
func regularizedIncompleteBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}

	lnBeta := lgamma(a+b) - lgamma(a) - lgamma(b)
	front := math.Exp(lnBeta + a*math.Log(x) + b*math.Log(1-x))

	if x < (a+1)/(a+b+2) {
		return front * betaContinuedFraction(a, b, x) / a
	}
	return 1 - front*betaContinuedFraction(b, a, 1-x)/b
}

func betaContinuedFraction(a, b, x float64) float64 {
	const (
		maxIterations = 200
		epsilon       = 3e-14
		tiny          = 1e-30
	)

	qab := a + b
	qap := a + 1
	qam := a - 1

	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d

	for m := 1; m <= maxIterations; m++ {
		m2 := float64(2 * m)
		aa := float64(m) * (b - float64(m)) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		aa = -(a + float64(m)) * (qab + float64(m)) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del

		if math.Abs(del-1) < epsilon {
			break
		}
	}
	return h
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}
