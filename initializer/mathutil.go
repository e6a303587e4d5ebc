package initializer

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rdk/spatialmath"
)

// toQuatInit extracts an Orientation's quaternion as a quat.Number.
func toQuatInit(o spatialmath.Orientation) quat.Number {
	q := o.Quaternion()
	return quat.Number{Real: q.Real, Imag: q.Imag, Jmag: q.Jmag, Kmag: q.Kmag}
}

// slerp spherically interpolates between unit quaternions a and b at
// fraction t in [0,1], flipping sign to take the short path.
func slerp(a, b quat.Number, t float64) quat.Number {
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	if dot < 0 {
		b = quat.Scale(-1, b)
		dot = -dot
	}
	if dot > 0.9995 {
		return quat.Add(quat.Scale(1-t, a), quat.Scale(t, b))
	}
	theta0 := math.Acos(dot)
	theta := theta0 * t
	sinTheta0 := math.Sin(theta0)
	s0 := math.Sin(theta0-theta) / sinTheta0
	s1 := math.Sin(theta) / sinTheta0
	return quat.Add(quat.Scale(s0, a), quat.Scale(s1, b))
}

// diagCovariance returns an n-independent diagonal covariance matrix
// with variance sigma^2 on every axis, sized for the 6-dim coupling
// residual (3 translation, 3 rotation).
func diagCovariance(sigma float64) *mat.SymDense {
	cov := mat.NewSymDense(6, nil)
	v := sigma * sigma
	for i := 0; i < 6; i++ {
		cov.SetSym(i, i, v)
	}
	return cov
}

// numericalJacobian computes d(f)/d(values[varIdx]) by central
// differences, flattened row-major; the same pattern duplicated in
// imupreint, visual and lidarreg for their own constraint residuals.
func numericalJacobian(f func([][]float64) []float64, values [][]float64, varIdx int) []float64 {
	const eps = 1e-6
	base := f(values)
	n := len(values[varIdx])
	jac := make([]float64, len(base)*n)
	perturbed := make([][]float64, len(values))
	for i := range values {
		perturbed[i] = append([]float64(nil), values[i]...)
	}
	for c := 0; c < n; c++ {
		orig := perturbed[varIdx][c]
		perturbed[varIdx][c] = orig + eps
		plus := f(perturbed)
		perturbed[varIdx][c] = orig - eps
		minus := f(perturbed)
		perturbed[varIdx][c] = orig
		for r := range base {
			jac[r*n+c] = (plus[r] - minus[r]) / (2 * eps)
		}
	}
	return jac
}
