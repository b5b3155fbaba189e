// Package luacond registers Lua-scripted condition evaluators. Scripts are
// compiled once and run in a fresh interpreter state per evaluation, so a
// single compiled condition is safe under concurrent rule evaluation.
//
// A script sees three globals and returns a boolean:
//
//	event   the trigger event (id, type, user_id, occurred_at, attributes)
//	events  the windowed event log slice, oldest first
//	params  the condition's params table
//
// Example:
//
//	return event.attributes.amount ~= nil and event.attributes.amount >= 25
package luacond

import (
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"meritkit/conditions"
	"meritkit/core"
)

// Condition is a compiled Lua script usable as a condition evaluator.
type Condition struct {
	name  string
	proto *lua.FunctionProto
}

// Compile parses and compiles a script. Compilation errors surface here, not
// at evaluation time.
func Compile(name, script string) (*Condition, error) {
	chunk, err := parse.Parse(strings.NewReader(script), name)
	if err != nil {
		return nil, fmt.Errorf("parse lua condition %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile lua condition %s: %w", name, err)
	}
	return &Condition{name: name, proto: proto}, nil
}

// Register compiles the script and installs it in the registry under name.
// Rules reach it through the script condition kind:
//
//	kind: script
//	params: {name: <name>}
func Register(reg *conditions.Registry, name, script string) error {
	cond, err := Compile(name, script)
	if err != nil {
		return err
	}
	reg.Register(core.ConditionKind(name), cond.Evaluate)
	return nil
}

// Evaluate runs the script. A non-boolean return is truthy per Lua rules
// (only nil and false are falsy); script runtime errors are returned and
// count as unmet.
func (c *Condition) Evaluate(events []core.Event, trigger core.Event, params core.Params) (bool, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()

	L.SetGlobal("event", eventTable(L, trigger))
	list := L.NewTable()
	for _, ev := range events {
		list.Append(eventTable(L, ev))
	}
	L.SetGlobal("events", list)
	L.SetGlobal("params", mapTable(L, params))

	fn := L.NewFunctionFromProto(c.proto)
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return false, fmt.Errorf("lua condition %s: %w", c.name, err)
	}
	return lua.LVAsBool(L.Get(-1)), nil
}

func eventTable(L *lua.LState, ev core.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LString(ev.ID))
	t.RawSetString("type", lua.LString(ev.Type))
	t.RawSetString("user_id", lua.LString(ev.UserID))
	t.RawSetString("occurred_at", lua.LNumber(float64(ev.OccurredAt.UnixNano())/float64(time.Second)))
	t.RawSetString("attributes", mapTable(L, ev.Attributes))
	return t
}

func mapTable(L *lua.LState, m map[string]any) *lua.LTable {
	t := L.NewTable()
	for k, v := range m {
		t.RawSetString(k, toLua(L, v))
	}
	return t
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case map[string]any:
		return mapTable(L, x)
	case []any:
		t := L.NewTable()
		for _, item := range x {
			t.Append(toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", x))
	}
}
