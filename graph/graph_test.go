package graph

import (
	"math"
	"testing"

	"go.viam.com/test"
)

// priorResidual pins a 1-D variable toward target with unit information.
func priorResidual(target float64) ResidualFunc {
	return func(values [][]float64) ([]float64, [][]float64) {
		x := values[0][0]
		return []float64{x - target}, [][]float64{{1}}
	}
}

// chainResidual ties two 1-D variables together: x_b - x_a - delta == 0.
func chainResidual(delta float64) ResidualFunc {
	return func(values [][]float64) ([]float64, [][]float64) {
		a := values[0][0]
		b := values[1][0]
		return []float64{b - a - delta}, [][]float64{{-1}, {1}}
	}
}

func TestApplyRejectsUnknownVariable(t *testing.T) {
	g := NewInMemoryGraph()
	err := g.Apply(Transaction{
		ConstraintsToAdd: []Constraint{{ID: "c1", VariableIDs: []string{"missing"}, Residual: priorResidual(0)}},
	})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestApplyIsIdempotentWithOverride(t *testing.T) {
	tx := Transaction{
		VariablesToAdd: []Variable{{ID: "x", Kind: "pose", Value: []float64{5}}},
	}

	g1 := NewInMemoryGraph()
	test.That(t, g1.Apply(tx), test.ShouldBeNil)
	v1, _ := g1.Value("x")

	g2 := NewInMemoryGraph()
	test.That(t, g2.Apply(tx), test.ShouldBeNil)
	tx.OverrideVariables = true
	test.That(t, g2.Apply(tx), test.ShouldBeNil)
	v2, _ := g2.Value("x")

	test.That(t, v1, test.ShouldResemble, v2)
}

func TestOptimizeSingleVariablePrior(t *testing.T) {
	g := NewInMemoryGraph()
	test.That(t, g.Apply(Transaction{
		VariablesToAdd:   []Variable{{ID: "x", Kind: "pose", Value: []float64{0}}},
		ConstraintsToAdd: []Constraint{{ID: "prior", VariableIDs: []string{"x"}, Residual: priorResidual(3.0)}},
	}), test.ShouldBeNil)

	err := g.Optimize(Budget{MaxIterations: 10})
	test.That(t, err, test.ShouldBeNil)

	v, ok := g.Value("x")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, math.Abs(v[0]-3.0) < 1e-6, test.ShouldBeTrue)
}

func TestOptimizeChainWithFixedAnchor(t *testing.T) {
	g := NewInMemoryGraph()
	test.That(t, g.Apply(Transaction{
		VariablesToAdd: []Variable{
			{ID: "a", Kind: "pose", Value: []float64{0}},
			{ID: "b", Kind: "pose", Value: []float64{100}}, // perturbed initial guess
		},
		ConstraintsToAdd: []Constraint{
			{ID: "prior_a", VariableIDs: []string{"a"}, Residual: priorResidual(0)},
			{ID: "chain_ab", VariableIDs: []string{"a", "b"}, Residual: chainResidual(10)},
		},
	}), test.ShouldBeNil)
	test.That(t, g.FixVariable("a", true), test.ShouldBeNil)

	err := g.Optimize(Budget{MaxIterations: 20})
	test.That(t, err, test.ShouldBeNil)

	a, _ := g.Value("a")
	b, _ := g.Value("b")
	test.That(t, a[0], test.ShouldEqual, 0.0)
	test.That(t, math.Abs(b[0]-10.0) < 1e-6, test.ShouldBeTrue)
}

func TestRemoveVariableDropsDependentConstraints(t *testing.T) {
	g := NewInMemoryGraph()
	test.That(t, g.Apply(Transaction{
		VariablesToAdd: []Variable{{ID: "a", Value: []float64{0}}, {ID: "b", Value: []float64{0}}},
		ConstraintsToAdd: []Constraint{
			{ID: "c1", VariableIDs: []string{"a", "b"}, Residual: chainResidual(1)},
		},
	}), test.ShouldBeNil)

	test.That(t, g.RemoveVariable("a"), test.ShouldBeNil)
	_, ok := g.Value("a")
	test.That(t, ok, test.ShouldBeFalse)

	// the constraint that referenced the removed "a" must be gone
	// rather than dangling, and re-adding "a" must still succeed.
	_, hasC1 := g.state.constraints["c1"]
	test.That(t, hasC1, test.ShouldBeFalse)
	test.That(t, g.Apply(Transaction{
		VariablesToAdd: []Variable{{ID: "a", Value: []float64{0}}},
	}), test.ShouldBeNil)
}

func TestEmptyTransaction(t *testing.T) {
	test.That(t, (Transaction{}).Empty(), test.ShouldBeTrue)
	nonEmpty := Transaction{VariablesToAdd: []Variable{{ID: "a"}}}
	test.That(t, nonEmpty.Empty(), test.ShouldBeFalse)
}
