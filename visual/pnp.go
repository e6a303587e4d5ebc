package visual

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/slam-fusion/graph"
)

// correspondence is one 2D-3D match handed to the PnP solver: a
// triangulated landmark's world position paired with its pixel
// observation at the stamp being localized.
type correspondence struct {
	LandmarkID string
	World      r3.Vector
	Pixel      r2.Point
}

const dltMinPoints = 6

// solveDLT solves the direct linear transform for a camera pose
// [R|t] from ≥6 normalized 2D-3D correspondences (standard calibrated
// DLT: build the 2n×12 homogeneous system, take the right singular
// vector of smallest singular value, then project the 3×3 block back
// onto SO(3)).
func solveDLT(corrs []correspondence, k Intrinsics) (*mat.Dense, r3.Vector, bool) {
	n := len(corrs)
	if n < dltMinPoints {
		return nil, r3.Vector{}, false
	}

	a := mat.NewDense(2*n, 12, nil)
	for i, c := range corrs {
		nrm := k.Normalize(c.Pixel)
		x, y, z := c.World.X, c.World.Y, c.World.Z
		u, v := nrm.X, nrm.Y
		a.SetRow(2*i, []float64{-x, -y, -z, -1, 0, 0, 0, 0, u * x, u * y, u * z, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, -x, -y, -z, -1, v * x, v * y, v * z, v})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, r3.Vector{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	// last column of V: right singular vector of the smallest singular value.
	p := make([]float64, 12)
	for i := 0; i < 12; i++ {
		p[i] = v.At(i, 11)
	}

	r, t, ok := decomposeDLT(p)
	if !ok {
		return nil, r3.Vector{}, false
	}

	if cheiralityScore(r, t, corrs) < 0 {
		r, t, ok = decomposeDLT(negate(p))
		if !ok {
			return nil, r3.Vector{}, false
		}
	}
	return r, t, true
}

func negate(p []float64) []float64 {
	out := make([]float64, len(p))
	for i, x := range p {
		out[i] = -x
	}
	return out
}

// decomposeDLT splits the flattened 12-vector into M (3x3) and t_raw
// (3x1), then projects M onto the nearest rotation matrix via SVD and
// rescales t accordingly.
func decomposeDLT(p []float64) (*mat.Dense, r3.Vector, bool) {
	m := mat.NewDense(3, 3, []float64{p[0], p[1], p[2], p[4], p[5], p[6], p[8], p[9], p[10]})
	tRaw := r3.Vector{X: p[3], Y: p[7], Z: p[11]}

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, r3.Vector{}, false
	}
	var u, vt mat.Dense
	svd.UTo(&u)
	svd.VTo(&vt)
	sv := svd.Values(nil)
	scale := (sv[0] + sv[1] + sv[2]) / 3
	if scale == 0 {
		return nil, r3.Vector{}, false
	}

	var r mat.Dense
	r.Mul(&u, vt.T())
	if mat.Det(&r) < 0 {
		// flip the sign of U's last column to force det(R) = +1.
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, vt.T())
	}

	t := tRaw.Mul(1.0 / scale)
	return &r, t, true
}

func cheiralityScore(r *mat.Dense, t r3.Vector, corrs []correspondence) float64 {
	score := 0.0
	for _, c := range corrs {
		cam := matVec3Visual(r, c.World).Add(t)
		if cam.Z > 0 {
			score++
		} else {
			score--
		}
	}
	return score
}

func matVec3Visual(m mat.Matrix, v r3.Vector) r3.Vector {
	in := mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
	var out mat.VecDense
	out.MulVec(m, in)
	return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// reprojectionError returns the pixel-space reprojection residual norm.
func reprojectionError(r *mat.Dense, t r3.Vector, k Intrinsics, c correspondence) float64 {
	cam := matVec3Visual(r, c.World).Add(t)
	if cam.Z <= 0 {
		return math.Inf(1)
	}
	proj := k.Project(cam)
	dx := proj.X - c.Pixel.X
	dy := proj.Y - c.Pixel.Y
	return math.Hypot(dx, dy)
}

// ransacPnP runs a minimal-sample RANSAC consensus over solveDLT when
// at least dltMinPoints (6) correspondences are present. With 3-5
// correspondences it calls solveDLT once without a consensus round;
// solveDLT rejects fewer than 6 points, so those cases report failure.
// There is no minimal (3-point) solver.
func ransacPnP(rng *rand.Rand, corrs []correspondence, k Intrinsics, inlierPx float64, iterations int) (*mat.Dense, r3.Vector, []correspondence, bool) {
	if len(corrs) < 3 {
		return nil, r3.Vector{}, nil, false
	}
	if len(corrs) < dltMinPoints {
		r, t, ok := solveDLT(corrs, k)
		return r, t, corrs, ok
	}

	var bestR *mat.Dense
	var bestT r3.Vector
	var bestInliers []correspondence

	for iter := 0; iter < iterations; iter++ {
		sample := sampleDistinct(rng, len(corrs), dltMinPoints)
		subset := make([]correspondence, len(sample))
		for i, idx := range sample {
			subset[i] = corrs[idx]
		}
		r, t, ok := solveDLT(subset, k)
		if !ok {
			continue
		}
		inliers := make([]correspondence, 0, len(corrs))
		for _, c := range corrs {
			if reprojectionError(r, t, k, c) <= inlierPx {
				inliers = append(inliers, c)
			}
		}
		if len(inliers) > len(bestInliers) {
			bestR, bestT, bestInliers = r, t, inliers
		}
	}

	if bestR == nil {
		return nil, r3.Vector{}, nil, false
	}
	// refit on the full inlier set if there are enough of them.
	if len(bestInliers) >= dltMinPoints {
		if r, t, ok := solveDLT(bestInliers, k); ok {
			bestR, bestT = r, t
		}
	}
	return bestR, bestT, bestInliers, true
}

func sampleDistinct(rng *rand.Rand, n, k int) []int {
	perm := rng.Perm(n)
	return perm[:k]
}

// motionOnlyBA refines a camera pose against fixed landmark positions
// by minimizing reprojection error, reusing graph.InMemoryGraph as
// the small local solver (spec.md §4.2's "bounded solver-time budget").
func motionOnlyBA(initR *mat.Dense, initT r3.Vector, corrs []correspondence, k Intrinsics, budgetSeconds float64) (*mat.Dense, r3.Vector, error) {
	q := quatFromRotation(initR)
	const poseVarID = "localize_pose"
	value := []float64{q[0], q[1], q[2], q[3], initT.X, initT.Y, initT.Z}

	constraints := make([]graph.Constraint, 0, len(corrs))
	for _, c := range corrs {
		c := c
		constraints = append(constraints, graph.Constraint{
			ID:          "reproj_" + c.LandmarkID,
			VariableIDs: []string{poseVarID},
			Source:      "visual_localize",
			Residual: func(values [][]float64) ([]float64, [][]float64) {
				return reprojResidual(values[0], c, k)
			},
		})
	}

	g := graph.NewInMemoryGraph()
	if err := g.Apply(graph.Transaction{
		VariablesToAdd:   []graph.Variable{{ID: poseVarID, Kind: "cam_pose", Value: value}},
		ConstraintsToAdd: constraints,
	}); err != nil {
		return nil, r3.Vector{}, err
	}
	if err := g.Optimize(graph.Budget{MaxIterations: 20, MaxSeconds: budgetSeconds}); err != nil {
		return nil, r3.Vector{}, err
	}

	refined, _ := g.Value(poseVarID)
	rOut := rotationFromQuat(refined[0], refined[1], refined[2], refined[3])
	tOut := r3.Vector{X: refined[4], Y: refined[5], Z: refined[6]}
	return rOut, tOut, nil
}

func reprojResidual(pose []float64, c correspondence, k Intrinsics) ([]float64, [][]float64) {
	r := rotationFromQuat(pose[0], pose[1], pose[2], pose[3])
	t := r3.Vector{X: pose[4], Y: pose[5], Z: pose[6]}
	cam := matVec3Visual(r, c.World).Add(t)
	if cam.Z <= 1e-6 {
		return []float64{1e6, 1e6}, [][]float64{make([]float64, 2*7)}
	}
	proj := k.Project(cam)
	residual := []float64{proj.X - c.Pixel.X, proj.Y - c.Pixel.Y}
	jac := numericalJacobianPose(func(p []float64) []float64 {
		rr := rotationFromQuat(p[0], p[1], p[2], p[3])
		tt := r3.Vector{X: p[4], Y: p[5], Z: p[6]}
		camP := matVec3Visual(rr, c.World).Add(tt)
		if camP.Z <= 1e-6 {
			return []float64{1e6, 1e6}
		}
		pr := k.Project(camP)
		return []float64{pr.X - c.Pixel.X, pr.Y - c.Pixel.Y}
	}, pose)
	return residual, [][]float64{jac}
}

// numericalJacobianPose computes d(f)/d(pose) by central differences,
// flattened row-major (rows = len(f(pose))).
func numericalJacobianPose(f func([]float64) []float64, pose []float64) []float64 {
	const eps = 1e-6
	base := f(pose)
	n := len(pose)
	jac := make([]float64, len(base)*n)
	work := append([]float64(nil), pose...)
	for c := 0; c < n; c++ {
		orig := work[c]
		work[c] = orig + eps
		plus := f(work)
		work[c] = orig - eps
		minus := f(work)
		work[c] = orig
		for r := range base {
			jac[r*n+c] = (plus[r] - minus[r]) / (2 * eps)
		}
	}
	return jac
}

func quatFromRotation(r *mat.Dense) [4]float64 {
	m00, m01, m02 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	m10, m11, m12 := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	m20, m21, m22 := r.At(2, 0), r.At(2, 1), r.At(2, 2)
	tr := m00 + m11 + m22
	if tr > 0 {
		s := math.Sqrt(tr+1) * 2
		return [4]float64{s / 4, (m21 - m12) / s, (m02 - m20) / s, (m10 - m01) / s}
	}
	if m00 > m11 && m00 > m22 {
		s := math.Sqrt(1+m00-m11-m22) * 2
		return [4]float64{(m21 - m12) / s, s / 4, (m01 + m10) / s, (m02 + m20) / s}
	}
	if m11 > m22 {
		s := math.Sqrt(1+m11-m00-m22) * 2
		return [4]float64{(m02 - m20) / s, (m01 + m10) / s, s / 4, (m12 + m21) / s}
	}
	s := math.Sqrt(1+m22-m00-m11) * 2
	return [4]float64{(m10 - m01) / s, (m02 + m20) / s, (m12 + m21) / s, s / 4}
}

func rotationFromQuat(w, x, y, z float64) *mat.Dense {
	n := math.Sqrt(w*w + x*x + y*y + z*z)
	if n > 0 {
		w, x, y, z = w/n, x/n, y/n, z/n
	}
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	})
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(1))
}
