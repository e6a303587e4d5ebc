package graph

import (
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// InMemoryGraph is a reference Graph implementation: a dense
// Gauss-Newton solver over the union of all committed variables and
// constraints. It exists for tests and for the trajectory
// initializer's small local graph (spec.md §4.4); it is not the
// production collaborator spec.md §1 carves out, which is expected to
// supply a real nonlinear-least-squares solver with manifold-aware
// retractions. This implementation instead additively updates each
// variable's flat parameter vector each iteration, which is adequate
// for the small, well-conditioned local graphs it is used for in this
// codebase but is not a substitute for a true SE(3) retraction on
// large pose graphs.
type InMemoryGraph struct {
	state *graphState

	// dampening is added to the normal-equations diagonal each
	// iteration (Levenberg-style) to keep the solve well-posed when a
	// variable is only weakly constrained.
	dampening float64
}

// NewInMemoryGraph constructs an empty InMemoryGraph.
func NewInMemoryGraph() *InMemoryGraph {
	return &InMemoryGraph{state: newGraphState(), dampening: 1e-9}
}

// Apply implements Graph.
func (g *InMemoryGraph) Apply(tx Transaction) error {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()

	pending := make(map[string]bool, len(tx.VariablesToAdd))
	for _, v := range tx.VariablesToAdd {
		pending[v.ID] = true
	}
	for _, c := range tx.ConstraintsToAdd {
		for _, id := range c.VariableIDs {
			if _, ok := g.state.variables[id]; !ok && !pending[id] {
				return errors.Wrapf(ErrUnknownVariable, "constraint %q variable %q", c.ID, id)
			}
		}
	}

	for _, v := range tx.VariablesToAdd {
		if _, exists := g.state.variables[v.ID]; exists && !tx.OverrideVariables {
			continue
		}
		g.state.variables[v.ID] = v.Clone()
	}

	for _, c := range tx.ConstraintsToAdd {
		if _, exists := g.state.constraints[c.ID]; exists && !tx.OverrideConstraints {
			continue
		}
		g.state.constraints[c.ID] = c
	}
	return nil
}

// Value implements Graph.
func (g *InMemoryGraph) Value(id string) ([]float64, bool) {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	v, ok := g.state.variables[id]
	if !ok {
		return nil, false
	}
	out := make([]float64, len(v.Value))
	copy(out, v.Value)
	return out, true
}

// Covariance implements Graph.
func (g *InMemoryGraph) Covariance(id string) (*mat.SymDense, bool) {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	cov, ok := g.state.covariance[id]
	return cov, ok
}

// RemoveVariable implements Graph.
func (g *InMemoryGraph) RemoveVariable(id string) error {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	if _, ok := g.state.variables[id]; !ok {
		return errors.Wrapf(ErrUnknownVariable, "%q", id)
	}
	delete(g.state.variables, id)
	delete(g.state.fixed, id)
	delete(g.state.covariance, id)
	for cid, c := range g.state.constraints {
		for _, vid := range c.VariableIDs {
			if vid == id {
				delete(g.state.constraints, cid)
				break
			}
		}
	}
	return nil
}

// FixVariable implements Graph.
func (g *InMemoryGraph) FixVariable(id string, fixed bool) error {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	if _, ok := g.state.variables[id]; !ok {
		return errors.Wrapf(ErrUnknownVariable, "%q", id)
	}
	g.state.fixed[id] = fixed
	return nil
}

// Optimize implements Graph using Gauss-Newton with a fixed iteration
// and wall-clock budget (spec.md §4.4, §6's max_optimization_s).
func (g *InMemoryGraph) Optimize(budget Budget) error {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()

	maxIter := budget.MaxIterations
	if maxIter <= 0 {
		maxIter = 25
	}
	deadline := time.Time{}
	if budget.MaxSeconds > 0 {
		deadline = time.Now().Add(time.Duration(budget.MaxSeconds * float64(time.Second)))
	}

	freeIDs, offsets, dim := g.freeVariableLayout()
	if dim == 0 {
		return nil
	}

	converged := false
	for iter := 0; iter < maxIter; iter++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}

		h := mat.NewDense(dim, dim, nil)
		b := mat.NewVecDense(dim, nil)

		for _, c := range g.state.constraints {
			values := make([][]float64, len(c.VariableIDs))
			for i, vid := range c.VariableIDs {
				values[i] = g.state.variables[vid].Value
			}
			residual, jacobians := c.Residual(values)
			omega := identityInformation(len(residual), c.Covariance)

			for i, vid := range c.VariableIDs {
				offI, freeI := offsets[vid]
				if !freeI {
					continue
				}
				ji := jacobians[i]
				addJTOmegaR(b, offI, ji, omega, residual, len(residual))

				for j, vjd := range c.VariableIDs {
					offJ, freeJ := offsets[vjd]
					if !freeJ {
						continue
					}
					jj := jacobians[j]
					addJTOmegaJ(h, offI, offJ, ji, jj, omega, residual, len(residual))
				}
			}
		}

		for i := 0; i < dim; i++ {
			h.Set(i, i, h.At(i, i)+g.dampening)
		}

		var delta mat.VecDense
		if err := delta.SolveVec(h, b); err != nil {
			return errors.Wrap(err, "graph: normal equations singular")
		}

		norm := 0.0
		for _, vid := range freeIDs {
			off := offsets[vid]
			v := g.state.variables[vid]
			for k := range v.Value {
				step := -delta.AtVec(off + k)
				v.Value[k] += step
				norm += step * step
			}
			g.state.variables[vid] = v
		}

		if norm < 1e-20 {
			converged = true
			break
		}
	}

	g.recoverCovariances(freeIDs, offsets, dim)

	if !converged {
		return ErrNotConverged
	}
	return nil
}

// freeVariableLayout assigns each non-fixed variable a contiguous
// block of offsets in the flattened parameter vector.
func (g *InMemoryGraph) freeVariableLayout() ([]string, map[string]int, int) {
	ids := make([]string, 0, len(g.state.variables))
	for id := range g.state.variables {
		ids = append(ids, id)
	}

	offsets := make(map[string]int, len(ids))
	dim := 0
	free := make([]string, 0, len(ids))
	for _, id := range ids {
		if g.state.fixed[id] {
			continue
		}
		offsets[id] = dim
		dim += len(g.state.variables[id].Value)
		free = append(free, id)
	}
	return free, offsets, dim
}

func (g *InMemoryGraph) recoverCovariances(freeIDs []string, offsets map[string]int, dim int) {
	if dim == 0 {
		return
	}
	h := mat.NewDense(dim, dim, nil)
	for _, c := range g.state.constraints {
		values := make([][]float64, len(c.VariableIDs))
		for i, vid := range c.VariableIDs {
			values[i] = g.state.variables[vid].Value
		}
		residual, jacobians := c.Residual(values)
		omega := identityInformation(len(residual), c.Covariance)
		for i, vid := range c.VariableIDs {
			offI, freeI := offsets[vid]
			if !freeI {
				continue
			}
			for j, vjd := range c.VariableIDs {
				offJ, freeJ := offsets[vjd]
				if !freeJ {
					continue
				}
				addJTOmegaJ(h, offI, offJ, jacobians[i], jacobians[j], omega, residual, len(residual))
			}
		}
	}
	for i := 0; i < dim; i++ {
		h.Set(i, i, h.At(i, i)+g.dampening)
	}

	var hInv mat.Dense
	if err := hInv.Inverse(h); err != nil {
		return
	}
	for _, vid := range freeIDs {
		off := offsets[vid]
		n := len(g.state.variables[vid].Value)
		block := mat.NewSymDense(n, nil)
		for r := 0; r < n; r++ {
			for c := 0; c < n; c++ {
				block.SetSym(r, c, hInv.At(off+r, off+c))
			}
		}
		g.state.covariance[vid] = block
	}
}

func identityInformation(n int, cov *mat.SymDense) *mat.SymDense {
	if cov != nil {
		var inv mat.SymDense
		if err := inv.InverseSym(cov); err == nil {
			return &inv
		}
	}
	id := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		id.SetSym(i, i, 1)
	}
	return id
}

// addJTOmegaR adds J_i^T * Omega * r into b starting at offset offI.
// jacobian is stored row-major flattened, len(residual) rows.
func addJTOmegaR(b *mat.VecDense, offI int, jacobian []float64, omega *mat.SymDense, residual []float64, rows int) {
	if rows == 0 || len(jacobian) == 0 {
		return
	}
	cols := len(jacobian) / rows
	omegaR := make([]float64, rows)
	for r := 0; r < rows; r++ {
		sum := 0.0
		for k := 0; k < rows; k++ {
			sum += omega.At(r, k) * residual[k]
		}
		omegaR[r] = sum
	}
	for c := 0; c < cols; c++ {
		sum := 0.0
		for r := 0; r < rows; r++ {
			sum += jacobian[r*cols+c] * omegaR[r]
		}
		b.SetVec(offI+c, b.AtVec(offI+c)+sum)
	}
}

// addJTOmegaJ adds J_i^T * Omega * J_j into the (offI, offJ) block of h.
func addJTOmegaJ(h *mat.Dense, offI, offJ int, ji, jj []float64, omega *mat.SymDense, residual []float64, rows int) {
	if rows == 0 || len(ji) == 0 || len(jj) == 0 {
		return
	}
	colsI := len(ji) / rows
	colsJ := len(jj) / rows
	for ci := 0; ci < colsI; ci++ {
		for cj := 0; cj < colsJ; cj++ {
			sum := 0.0
			for r := 0; r < rows; r++ {
				for k := 0; k < rows; k++ {
					sum += ji[r*colsI+ci] * omega.At(r, k) * jj[k*colsJ+cj]
				}
			}
			h.Set(offI+ci, offJ+cj, h.At(offI+ci, offJ+cj)+sum)
		}
	}
}
