package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errUtils "matrixci/internal/errors"
)

func linuxCtx(steps ...StepStatus) Context {
	return Context{
		RunnerOS:  "Linux",
		EventName: "push",
		Ref:       "refs/heads/main",
		Matrix:    map[string]string{"os": "ubuntu-latest", "runtime": "3.13"},
		Steps:     steps,
	}
}

func passed(id string) StepStatus {
	return StepStatus{ID: id, Outcome: OutcomeSuccess, Conclusion: OutcomeSuccess}
}

func failed(id string) StepStatus {
	return StepStatus{ID: id, Outcome: OutcomeFailure, Conclusion: OutcomeFailure}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"":                                "success()",
		"   ":                             "success()",
		"${{ always() }}":                 "always()",
		"runner.os == 'Linux'":            "success() && (runner.os == 'Linux')",
		"${{ runner.os == 'Windows' }}":   "success() && (runner.os == 'Windows')",
		"!cancelled() && matrix.os != ''": "!cancelled() && matrix.os != ''",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestCombine(t *testing.T) {
	assert.Equal(t, "success() && (runner.os == 'Linux')", Combine("", "runner.os == 'Linux'"))
	assert.Equal(t, "(always()) && success()", Combine("always()", ""))
	assert.Equal(t, "(always()) && (failure())", Combine("always()", "failure()"))
	assert.Equal(t, "success()", Combine("", ""))
}

func TestEval_StatusFunctions(t *testing.T) {
	t.Run("success is false after any failed conclusion", func(t *testing.T) {
		ok, err := Eval("", linuxCtx(passed("checkout"), failed("typecheck")))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("always runs after failure", func(t *testing.T) {
		ok, err := Eval("always()", linuxCtx(failed("typecheck")))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("continue-on-error failure concludes success", func(t *testing.T) {
		tolerated := StepStatus{ID: "typecheck", Outcome: OutcomeFailure, Conclusion: OutcomeSuccess}
		ok, err := Eval("success()", linuxCtx(tolerated))
		require.NoError(t, err)
		assert.True(t, ok)

		outcome, err := Eval("steps.typecheck.outcome == 'failure'", linuxCtx(tolerated))
		require.NoError(t, err)
		assert.True(t, outcome)
	})

	t.Run("scoped success only looks at named steps", func(t *testing.T) {
		ctx := linuxCtx(failed("typecheck"), passed("tests"))
		ok, err := Eval("success('tests') && runner.os == 'Linux'", ctx)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = Eval("success('typecheck', 'tests')", ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = Eval("success('missing')", ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("failure", func(t *testing.T) {
		ok, err := Eval("failure()", linuxCtx(passed("a"), failed("b")))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = Eval("failure('a')", linuxCtx(passed("a"), failed("b")))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("cancellation", func(t *testing.T) {
		ctx := linuxCtx(passed("a"))
		ctx.Cancelled = true

		ok, err := Eval("", ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = Eval("cancelled()", ctx)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = Eval("always()", ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestEval_PlatformPredicates(t *testing.T) {
	guard := "success() && runner.os == 'Linux'"
	for _, os := range []string{"Linux", "Windows", "macOS"} {
		ctx := linuxCtx()
		ctx.RunnerOS = os
		ok, err := Eval(guard, ctx)
		require.NoError(t, err)
		assert.Equal(t, os == "Linux", ok, os)
	}
}

func TestEval_EventAndMatrix(t *testing.T) {
	ctx := linuxCtx()
	ctx.EventName = "release"

	ok, err := Eval("github.event_name == 'release' && matrix.runtime == '3.13'", ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEval_Errors(t *testing.T) {
	_, err := Eval("success( &&", linuxCtx())
	assert.ErrorIs(t, err, errUtils.ErrGuardSyntax)

	_, err = Eval("always() ? 'x' : 'y'", linuxCtx())
	assert.ErrorIs(t, err, errUtils.ErrGuardNotBoolean)

	_, err = Eval("${{ always() }} ? 'x' : 'y'", linuxCtx())
	assert.Error(t, err)
}

func TestCompile(t *testing.T) {
	assert.NoError(t, Compile("success() && runner.os == 'Windows'"))
	assert.NoError(t, Compile("steps.tests.outcome == 'success'"))
	assert.ErrorIs(t, Compile("runner.os =="), errUtils.ErrGuardSyntax)
	assert.ErrorIs(t, Compile("secrets.TOKEN != ''"), errUtils.ErrGuardSyntax)
}
