// Package sandbox runs operator-authored code (subject expressions, template
// bodies, campaign flows) in a restricted Lua interpreter. Every call builds
// a fresh state with only the base, table, string, math, and coroutine
// libraries opened and no filesystem, network, or OS access; the state is
// closed when the call returns. Attribute documents cross the boundary as
// JSON so values round-trip exactly as they are stored.
package sandbox

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lua "github.com/yuin/gopher-lua"
	luajson "layeh.com/gopher-json"

	"github.com/segflow/segflow/internal/faults"
)

// Command types a flow can yield.
const (
	CommandSendEmail = "SEND_EMAIL"
	CommandWait      = "WAIT"
	CommandSendSMS   = "SEND_SMS"
)

// Duration is the argument of a wait command. Components are additive.
type Duration struct {
	Seconds float64
	Minutes float64
	Hours   float64
	Days    float64
	Weeks   float64
}

// Duration returns the total wait as a time.Duration. A week is seven days.
func (d Duration) Duration() time.Duration {
	total := d.Seconds +
		d.Minutes*60 +
		d.Hours*3600 +
		d.Days*86400 +
		d.Weeks*604800
	return time.Duration(total * float64(time.Second))
}

// Command is one step instruction yielded by a flow.
type Command struct {
	Type       string
	TemplateID string
	Duration   Duration
	Message    string
}

// StepResult is the outcome of advancing a flow by one step. Done means the
// flow function returned instead of yielding. A nil Command with Done false
// means the flow yielded nothing usable.
type StepResult struct {
	Command    *Command
	Done       bool
	Attributes map[string]interface{}
}

// newState builds a sandboxed interpreter. SkipOpenLibs leaves out the io
// and os libraries entirely; the loaders that reach the filesystem are
// removed from base afterwards.
func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, opener := range []lua.LGFunction{
		lua.OpenBase,
		lua.OpenTable,
		lua.OpenString,
		lua.OpenMath,
		lua.OpenCoroutine,
	} {
		opener(L)
	}
	for _, name := range []string{"dofile", "loadfile", "loadstring", "load"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// loadFunction compiles a function literal such as
// "function(user) return user.name end" and returns the function value.
func loadFunction(L *lua.LState, source string) (*lua.LFunction, error) {
	if err := L.DoString("return (" + source + "\n)"); err != nil {
		return nil, faults.Sandboxf("compile: %v", err)
	}
	v := L.Get(-1)
	L.Pop(1)
	fn, ok := v.(*lua.LFunction)
	if !ok {
		return nil, faults.Sandboxf("source is not a function (got %s)", v.Type())
	}
	return fn, nil
}

// CheckFlow verifies that source compiles to a function in the sandbox.
func CheckFlow(source string) error {
	L := newState()
	defer L.Close()
	_, err := loadFunction(L, source)
	return err
}

// attrsToLua converts an attribute document to a Lua value via JSON.
func attrsToLua(L *lua.LState, attrs map[string]interface{}) (lua.LValue, error) {
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	lv, err := luajson.Decode(L, data)
	if err != nil {
		return nil, fmt.Errorf("decode attributes into sandbox: %w", err)
	}
	return lv, nil
}

// luaToAttrs converts a Lua value back to an attribute document via JSON.
func luaToAttrs(lv lua.LValue) (map[string]interface{}, error) {
	if lv == lua.LNil {
		return map[string]interface{}{}, nil
	}
	data, err := luajson.Encode(lv)
	if err != nil {
		return nil, faults.Sandboxf("attributes are not serializable: %v", err)
	}
	// An empty Lua table encodes as an empty JSON array.
	if string(data) == "[]" {
		return map[string]interface{}{}, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, faults.Sandboxf("attributes did not round-trip as an object: %v", err)
	}
	return out, nil
}

// EvalUserExpr evaluates a one-parameter function literal against the user
// attribute document and coerces the result to a string.
func EvalUserExpr(source string, user map[string]interface{}) (string, error) {
	return evalExpr(source, user, nil, false)
}

// EvalUserEventExpr evaluates a two-parameter function literal against the
// user and event attribute documents.
func EvalUserEventExpr(source string, user, event map[string]interface{}) (string, error) {
	return evalExpr(source, user, event, true)
}

func evalExpr(source string, user, event map[string]interface{}, withEvent bool) (string, error) {
	L := newState()
	defer L.Close()

	fn, err := loadFunction(L, source)
	if err != nil {
		return "", err
	}
	args := make([]lua.LValue, 0, 2)
	userArg, err := attrsToLua(L, user)
	if err != nil {
		return "", err
	}
	args = append(args, userArg)
	if withEvent {
		eventArg, err := attrsToLua(L, event)
		if err != nil {
			return "", err
		}
		args = append(args, eventArg)
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return "", faults.Sandboxf("%v", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	if s, ok := ret.(lua.LString); ok {
		return string(s), nil
	}
	return ret.String(), nil
}

// StepFlow drives a flow coroutine from the beginning through targetIndex+1
// yields. Immediately before the i-th yield is produced, ctx.attributes is
// bound to attrStates[i]; after the final advance the possibly mutated
// ctx.attributes is read back out. If the flow function returns before
// reaching the target, the result is Done with no command.
func StepFlow(source string, attrStates []map[string]interface{}, targetIndex int) (*StepResult, error) {
	if len(attrStates) != targetIndex+1 {
		return nil, fmt.Errorf("flow step: have %d attribute states, want %d", len(attrStates), targetIndex+1)
	}

	L := newState()
	defer L.Close()

	fn, err := loadFunction(L, source)
	if err != nil {
		return nil, err
	}

	ctx := L.NewTable()
	rt := newRuntimeTable(L)
	co, _ := L.NewThread()

	var (
		last []lua.LValue
		done bool
	)
	for i := 0; i <= targetIndex; i++ {
		attrs, err := attrsToLua(L, attrStates[i])
		if err != nil {
			return nil, err
		}
		L.SetField(ctx, "attributes", attrs)

		var (
			st     lua.ResumeState
			rerr   error
			values []lua.LValue
		)
		if i == 0 {
			st, rerr, values = L.Resume(co, fn, ctx, rt)
		} else {
			st, rerr, values = L.Resume(co, fn)
		}
		if st == lua.ResumeError {
			return nil, faults.Sandboxf("%v", rerr)
		}
		last = values
		if st == lua.ResumeOK {
			done = true
			break
		}
	}

	attrs, err := luaToAttrs(L.GetField(ctx, "attributes"))
	if err != nil {
		return nil, err
	}
	res := &StepResult{Done: done, Attributes: attrs}
	if done {
		return res, nil
	}
	if len(last) == 0 || last[0] == lua.LNil {
		return res, nil
	}
	cmd, err := parseCommand(last[0])
	if err != nil {
		return nil, err
	}
	res.Command = cmd
	return res, nil
}

// newRuntimeTable builds the rt argument flows receive: constructors that
// return tagged command tables for coroutine.yield.
func newRuntimeTable(L *lua.LState) *lua.LTable {
	rt := L.NewTable()
	L.SetField(rt, "sendEmail", L.NewFunction(func(L *lua.LState) int {
		cmd := L.NewTable()
		L.SetField(cmd, "type", lua.LString(CommandSendEmail))
		L.SetField(cmd, "templateId", lua.LString(L.CheckString(1)))
		L.Push(cmd)
		return 1
	}))
	L.SetField(rt, "wait", L.NewFunction(func(L *lua.LState) int {
		cmd := L.NewTable()
		L.SetField(cmd, "type", lua.LString(CommandWait))
		L.SetField(cmd, "duration", L.CheckTable(1))
		L.Push(cmd)
		return 1
	}))
	L.SetField(rt, "sendSMS", L.NewFunction(func(L *lua.LState) int {
		cmd := L.NewTable()
		L.SetField(cmd, "type", lua.LString(CommandSendSMS))
		L.SetField(cmd, "message", lua.LString(L.CheckString(1)))
		L.Push(cmd)
		return 1
	}))
	return rt
}

// parseCommand converts a yielded Lua value into a Command.
func parseCommand(lv lua.LValue) (*Command, error) {
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		return nil, faults.Sandboxf("flow yielded a %s, want a command table", lv.Type())
	}
	typ, ok := tbl.RawGetString("type").(lua.LString)
	if !ok {
		return nil, faults.Sandboxf("command table has no type field")
	}
	cmd := &Command{Type: string(typ)}
	switch cmd.Type {
	case CommandSendEmail:
		id, ok := tbl.RawGetString("templateId").(lua.LString)
		if !ok {
			return nil, faults.Sandboxf("sendEmail command has no templateId")
		}
		cmd.TemplateID = string(id)
	case CommandWait:
		d, ok := tbl.RawGetString("duration").(*lua.LTable)
		if !ok {
			return nil, faults.Sandboxf("wait command has no duration table")
		}
		cmd.Duration = parseDuration(d)
	case CommandSendSMS:
		if msg, ok := tbl.RawGetString("message").(lua.LString); ok {
			cmd.Message = string(msg)
		}
	default:
		return nil, faults.Sandboxf("unknown command type %q", cmd.Type)
	}
	return cmd, nil
}

func parseDuration(tbl *lua.LTable) Duration {
	num := func(key string) float64 {
		if n, ok := tbl.RawGetString(key).(lua.LNumber); ok {
			return float64(n)
		}
		return 0
	}
	return Duration{
		Seconds: num("seconds"),
		Minutes: num("minutes"),
		Hours:   num("hours"),
		Days:    num("days"),
		Weeks:   num("weeks"),
	}
}

// sortedKeys returns map keys in deterministic order for codegen.
func sortedKeys(m map[string]map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
