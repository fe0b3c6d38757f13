package condition

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/planhub/rebac/pkg/tuple"
)

func TestNilConditionIsMet(t *testing.T) {
	e := MustNewEvaluator()

	met, err := e.Evaluate(nil, nil)
	require.NoError(t, err)
	require.True(t, met)
}

func TestEvaluateStoredContext(t *testing.T) {
	e := MustNewEvaluator()

	cond := &tuple.Condition{
		Expression: `tier == "premium"`,
		Context:    tuple.Metadata{"tier": tuple.String("premium")},
	}

	met, err := e.Evaluate(cond, nil)
	require.NoError(t, err)
	require.True(t, met)
}

func TestRequestContextOverridesStored(t *testing.T) {
	e := MustNewEvaluator()

	cond := &tuple.Condition{
		Expression: `region == "eu"`,
		Context:    tuple.Metadata{"region": tuple.String("us")},
	}

	met, err := e.Evaluate(cond, map[string]any{"region": "eu"})
	require.NoError(t, err)
	require.True(t, met)

	met, err = e.Evaluate(cond, nil)
	require.NoError(t, err)
	require.False(t, met)
}

func TestNumericAndBoolParameters(t *testing.T) {
	e := MustNewEvaluator()

	cond := &tuple.Condition{
		Expression: `seats >= 3 && active`,
		Context: tuple.Metadata{
			"seats":  tuple.Int(5),
			"active": tuple.Bool(true),
		},
	}

	met, err := e.Evaluate(cond, nil)
	require.NoError(t, err)
	require.True(t, met)
}

func TestMissingParameterIsAnError(t *testing.T) {
	e := MustNewEvaluator()

	cond := &tuple.Condition{Expression: `tier == "premium"`}

	_, err := e.Evaluate(cond, nil)
	require.Error(t, err)

	var compErr *CompilationError
	require.ErrorAs(t, err, &compErr)
}

func TestNonBoolResultIsAnError(t *testing.T) {
	e := MustNewEvaluator()

	cond := &tuple.Condition{
		Expression: `tier`,
		Context:    tuple.Metadata{"tier": tuple.String("premium")},
	}

	_, err := e.Evaluate(cond, nil)
	require.Error(t, err)

	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
}

func TestMalformedExpression(t *testing.T) {
	e := MustNewEvaluator()

	cond := &tuple.Condition{Expression: `tier ==`}

	_, err := e.Evaluate(cond, map[string]any{"tier": "premium"})
	var compErr *CompilationError
	require.ErrorAs(t, err, &compErr)
}
