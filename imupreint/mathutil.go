package imupreint

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// expQuat returns the unit quaternion exp(½ w dt), the first-order SO(3)
// retraction spec.md §4.1 uses to integrate angular velocity.
func expQuat(w r3.Vector, dt float64) quat.Number {
	theta := w.Norm() * dt
	if theta < 1e-12 {
		return quat.Number{Real: 1}
	}
	half := theta / 2
	axis := w.Normalize()
	s := math.Sin(half)
	return quat.Number{Real: math.Cos(half), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// rotateVector rotates v by unit quaternion q (q * [0,v] * conj(q)).
func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// toRotationMatrix converts a unit quaternion to its 3x3 rotation matrix.
func toRotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	r := mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	})
	return r
}

// skew returns the 3x3 skew-symmetric cross-product matrix of v.
func skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// setBlock copies src into dst starting at (r0, c0).
func setBlock(dst *mat.Dense, r0, c0 int, src mat.Matrix) {
	rows, cols := src.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst.Set(r0+r, c0+c, src.At(r, c))
		}
	}
}

// addBlock adds src into dst's existing values starting at (r0, c0).
func addBlock(dst *mat.Dense, r0, c0 int, src mat.Matrix) {
	rows, cols := src.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst.Set(r0+r, c0+c, dst.At(r0+r, c0+c)+src.At(r, c))
		}
	}
}

func identity(n int) *mat.Dense {
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		out.Set(i, i, 1)
	}
	return out
}

func scaled(m mat.Matrix, s float64) *mat.Dense {
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Scale(s, m)
	return out
}
