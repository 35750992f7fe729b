package sandbox

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segflow/segflow/internal/faults"
)

func TestEvalUserExpr(t *testing.T) {
	out, err := EvalUserExpr(
		`function(user) return "Welcome, " .. user.name end`,
		map[string]interface{}{"name": "Ann", "email": "ann@example.com"},
	)
	require.NoError(t, err)
	assert.Equal(t, "Welcome, Ann", out)
}

func TestEvalUserExprCoercesNonStrings(t *testing.T) {
	out, err := EvalUserExpr(
		`function(user) return user.age end`,
		map[string]interface{}{"age": 42},
	)
	require.NoError(t, err)
	assert.Equal(t, "42", out)
}

func TestEvalUserExprRuntimeError(t *testing.T) {
	_, err := EvalUserExpr(
		`function(user) return user.missing.deep end`,
		map[string]interface{}{},
	)
	require.Error(t, err)

	var sandboxErr *faults.SandboxError
	assert.True(t, errors.As(err, &sandboxErr))
}

func TestEvalUserExprNotAFunction(t *testing.T) {
	_, err := EvalUserExpr(`42`, map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a function")
}

func TestEvalUserEventExpr(t *testing.T) {
	out, err := EvalUserEventExpr(
		`function(user, event) return "Order " .. event.id end`,
		map[string]interface{}{"name": "Ann"},
		map[string]interface{}{"id": "o1", "amount": 42},
	)
	require.NoError(t, err)
	assert.Equal(t, "Order o1", out)
}

func TestStepFlowFirstYield(t *testing.T) {
	res, err := StepFlow(
		`function(ctx, rt) coroutine.yield(rt.sendEmail("welcome")) end`,
		[]map[string]interface{}{{"email": "a@x"}},
		0,
	)
	require.NoError(t, err)
	require.NotNil(t, res.Command)
	assert.Equal(t, CommandSendEmail, res.Command.Type)
	assert.Equal(t, "welcome", res.Command.TemplateID)
	assert.False(t, res.Done)
}

func TestStepFlowReplayToSecondYield(t *testing.T) {
	flow := `function(ctx, rt)
		coroutine.yield(rt.sendEmail("one"))
		coroutine.yield(rt.wait({days = 1, hours = 2}))
	end`
	res, err := StepFlow(flow, []map[string]interface{}{{}, {}}, 1)
	require.NoError(t, err)
	require.NotNil(t, res.Command)
	assert.Equal(t, CommandWait, res.Command.Type)
	assert.Equal(t, 1.0, res.Command.Duration.Days)
	assert.Equal(t, 2.0, res.Command.Duration.Hours)
	assert.False(t, res.Done)
}

func TestStepFlowDone(t *testing.T) {
	flow := `function(ctx, rt)
		coroutine.yield(rt.sendEmail("only"))
	end`
	res, err := StepFlow(flow, []map[string]interface{}{{}, {}}, 1)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Nil(t, res.Command)
}

func TestStepFlowRebindsAttributesPerYield(t *testing.T) {
	flow := `function(ctx, rt)
		coroutine.yield(rt.wait({seconds = 1}))
		if ctx.attributes.vip then
			coroutine.yield(rt.sendEmail("vip"))
		else
			coroutine.yield(rt.sendEmail("plain"))
		end
	end`
	res, err := StepFlow(flow, []map[string]interface{}{
		{"vip": false},
		{"vip": true},
	}, 1)
	require.NoError(t, err)
	require.NotNil(t, res.Command)
	assert.Equal(t, "vip", res.Command.TemplateID)
}

func TestStepFlowReadsBackMutatedAttributes(t *testing.T) {
	flow := `function(ctx, rt)
		ctx.attributes.step = "done"
		coroutine.yield(rt.wait({seconds = 1}))
	end`
	res, err := StepFlow(flow, []map[string]interface{}{{"email": "a@x"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Attributes["step"])
	assert.Equal(t, "a@x", res.Attributes["email"])
}

func TestStepFlowYieldNothing(t *testing.T) {
	res, err := StepFlow(
		`function(ctx, rt) coroutine.yield() end`,
		[]map[string]interface{}{{}},
		0,
	)
	require.NoError(t, err)
	assert.Nil(t, res.Command)
	assert.False(t, res.Done)
}

func TestStepFlowYieldNil(t *testing.T) {
	res, err := StepFlow(
		`function(ctx, rt) coroutine.yield(nil) end`,
		[]map[string]interface{}{{}},
		0,
	)
	require.NoError(t, err)
	assert.Nil(t, res.Command)
	assert.False(t, res.Done)
}

func TestStepFlowSendSMS(t *testing.T) {
	res, err := StepFlow(
		`function(ctx, rt) coroutine.yield(rt.sendSMS("hi there")) end`,
		[]map[string]interface{}{{}},
		0,
	)
	require.NoError(t, err)
	require.NotNil(t, res.Command)
	assert.Equal(t, CommandSendSMS, res.Command.Type)
	assert.Equal(t, "hi there", res.Command.Message)
}

func TestStepFlowRuntimeError(t *testing.T) {
	_, err := StepFlow(
		`function(ctx, rt) error("boom") end`,
		[]map[string]interface{}{{}},
		0,
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	var sandboxErr *faults.SandboxError
	assert.True(t, errors.As(err, &sandboxErr))
}

func TestStepFlowStateCountMismatch(t *testing.T) {
	_, err := StepFlow(
		`function(ctx, rt) coroutine.yield(rt.wait({seconds = 1})) end`,
		[]map[string]interface{}{{}, {}},
		0,
	)
	require.Error(t, err)
}

func TestSandboxHasNoSystemAccess(t *testing.T) {
	flow := `function(ctx, rt)
		if os == nil and io == nil and load == nil and dofile == nil and loadstring == nil then
			coroutine.yield(rt.sendEmail("locked"))
		end
	end`
	res, err := StepFlow(flow, []map[string]interface{}{{}}, 0)
	require.NoError(t, err)
	require.NotNil(t, res.Command)
	assert.Equal(t, "locked", res.Command.TemplateID)
}

func TestCheckFlow(t *testing.T) {
	assert.NoError(t, CheckFlow(`function(ctx, rt) end`))
	assert.Error(t, CheckFlow(`function(ctx, rt`))
	assert.Error(t, CheckFlow(`"just a string"`))
}

func TestDurationSum(t *testing.T) {
	d := Duration{Days: 1, Hours: 2}
	assert.Equal(t, 26*time.Hour, d.Duration())

	assert.Equal(t, 7*24*time.Hour, Duration{Weeks: 1}.Duration())
	assert.Equal(t, 90*time.Second, Duration{Minutes: 1, Seconds: 30}.Duration())
}
