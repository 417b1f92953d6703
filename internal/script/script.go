// Package script embeds a Lua interpreter as the test-script evaluation
// environment (spec §9 design note, option (a)): every Machine verb from
// §4.5 is exposed as a function on that machine's Lua table, alongside the
// global subtest/start_all/join_all functions and one binding per machine
// name.
package script

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"go.vmtest.dev/driver/internal/driver"
	"go.vmtest.dev/driver/internal/machine"
)

// Evaluator runs test scripts against a Driver's machines.
type Evaluator struct {
	L *lua.LState
	d *driver.Driver
}

// New creates an Evaluator bound to d: every constructed Machine is exposed
// as a Lua global table named after it, plus subtest/start_all/join_all
// globals (spec §4.6).
func New(d *driver.Driver) *Evaluator {
	L := lua.NewState()
	e := &Evaluator{L: L, d: d}

	for _, m := range d.Machines() {
		L.SetGlobal(m.Name(), e.machineTable(m))
	}

	L.SetGlobal("subtest", L.NewFunction(e.luaSubtest))
	L.SetGlobal("start_all", L.NewFunction(e.luaStartAll))
	L.SetGlobal("join_all", L.NewFunction(e.luaJoinAll))

	return e
}

// Run evaluates source against the bound environment.
func (e *Evaluator) Run(source string) error {
	if err := e.L.DoString(source); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return nil
}

// Close releases the interpreter.
func (e *Evaluator) Close() { e.L.Close() }

func (e *Evaluator) luaStartAll(L *lua.LState) int {
	if err := e.d.StartAll(); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (e *Evaluator) luaJoinAll(L *lua.LState) int {
	if err := e.d.JoinAll(); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

// luaSubtest implements the script-visible "subtest(name, fn)" global: fn
// is a Lua function invoked with no arguments; any Lua error it raises is
// caught and routed through Driver.Subtest's swallow-and-count semantics
// (spec §4.6, §9(ii)).
func (e *Evaluator) luaSubtest(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)

	e.d.Subtest(name, func() error {
		return L.CallByParam(lua.P{
			Fn:      fn,
			NRet:    0,
			Protect: true,
		})
	})
	return 0
}

// machineTable builds the Lua table exposing the lifecycle verbs of spec
// §4.5.1-§4.5.2 and every verb in §4.5.5, §4.5.6, and §4.5.7 as a function
// on m.
func (e *Evaluator) machineTable(m *machine.Machine) *lua.LTable {
	L := e.L
	tbl := L.NewTable()

	set := func(name string, fn lua.LGFunction) { L.SetField(tbl, name, L.NewFunction(fn)) }

	for name, verb := range map[string]func() error{
		"start": m.Start, "shutdown": m.Shutdown, "crash": m.Crash, "wait_for_shutdown": m.WaitForShutdown,
	} {
		verb := verb
		set(name, func(L *lua.LState) int {
			if err := verb(); err != nil {
				L.RaiseError("%v", err)
			}
			return 0
		})
	}

	set("execute", func(L *lua.LState) int {
		status, out, err := m.Execute(L.CheckString(1))
		if err != nil {
			L.RaiseError("%v", err)
		}
		L.Push(lua.LNumber(status))
		L.Push(lua.LString(out))
		return 2
	})
	set("succeed", func(L *lua.LState) int {
		cmds := make([]string, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			cmds[i-1] = L.CheckString(i)
		}
		out, err := m.Succeed(cmds...)
		if err != nil {
			L.RaiseError("%v", err)
		}
		L.Push(lua.LString(out))
		return 1
	})
	set("fail", func(L *lua.LState) int {
		cmds := make([]string, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			cmds[i-1] = L.CheckString(i)
		}
		if err := m.Fail(cmds...); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	})
	set("wait_until_succeeds", errFn1(func(cmd string) error { return m.WaitUntilSucceeds(cmd) }))
	set("wait_until_fails", errFn1(func(cmd string) error { return m.WaitUntilFails(cmd) }))
	set("systemctl", func(L *lua.LState) int {
		q := L.CheckString(1)
		user := optString(L, 2)
		status, out, err := m.Systemctl(q, user)
		if err != nil {
			L.RaiseError("%v", err)
		}
		L.Push(lua.LNumber(status))
		L.Push(lua.LString(out))
		return 2
	})
	set("get_unit_info", func(L *lua.LState) int {
		unit := L.CheckString(1)
		user := optString(L, 2)
		info, err := m.GetUnitInfo(unit, user)
		if err != nil {
			L.RaiseError("%v", err)
		}
		out := L.NewTable()
		for k, v := range info {
			L.SetField(out, k, lua.LString(v))
		}
		L.Push(out)
		return 1
	})
	set("wait_for_unit", func(L *lua.LState) int {
		unit := L.CheckString(1)
		user := optString(L, 2)
		if err := m.WaitForUnit(unit, user); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	})
	set("require_unit_state", func(L *lua.LState) int {
		unit := L.CheckString(1)
		state := optString(L, 2)
		if err := m.RequireUnitState(unit, state); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	})
	set("start_job", func(L *lua.LState) int {
		jobSpec := L.CheckString(1)
		user := optString(L, 2)
		status, out, err := m.StartJob(jobSpec, user)
		if err != nil {
			L.RaiseError("%v", err)
		}
		L.Push(lua.LNumber(status))
		L.Push(lua.LString(out))
		return 2
	})
	set("stop_job", func(L *lua.LState) int {
		jobSpec := L.CheckString(1)
		user := optString(L, 2)
		status, out, err := m.StopJob(jobSpec, user)
		if err != nil {
			L.RaiseError("%v", err)
		}
		L.Push(lua.LNumber(status))
		L.Push(lua.LString(out))
		return 2
	})
	set("wait_for_job", errFn1(func(jobSpec string) error { return m.WaitForJob(jobSpec) }))
	set("wait_for_file", errFn1(func(path string) error { return m.WaitForFile(path) }))
	set("wait_for_open_port", errFnInt(func(p int) error { return m.WaitForOpenPort(p) }))
	set("wait_for_closed_port", errFnInt(func(p int) error { return m.WaitForClosedPort(p) }))
	set("get_tty_text", func(L *lua.LState) int {
		tty := L.CheckInt(1)
		text, err := m.GetTTYText(tty)
		if err != nil {
			L.RaiseError("%v", err)
		}
		L.Push(lua.LString(text))
		return 1
	})
	set("wait_until_tty_matches", func(L *lua.LState) int {
		tty := L.CheckInt(1)
		pattern := L.CheckString(2)
		if err := m.WaitUntilTTYMatches(tty, pattern); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	})
	set("dump_tty_contents", func(L *lua.LState) int {
		if err := m.DumpTTYContents(L.CheckInt(1)); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	})
	set("sleep", func(L *lua.LState) int {
		m.Sleep(float64(L.CheckNumber(1)))
		return 0
	})
	set("send_key", errFn1(func(k string) error { return m.SendKey(k) }))
	set("send_chars", errFn1(func(s string) error { return m.SendChars(s) }))
	set("screenshot", errFn1(func(name string) error { return m.Screenshot(name) }))
	set("get_screen_text", func(L *lua.LState) int {
		text, err := m.GetScreenText()
		if err != nil {
			L.RaiseError("%v", err)
		}
		L.Push(lua.LString(text))
		return 1
	})
	set("wait_for_text", errFn1(func(pattern string) error { return m.WaitForText(pattern) }))
	set("wait_for_x", func(L *lua.LState) int {
		if err := m.WaitForX(); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	})
	set("get_window_names", func(L *lua.LState) int {
		names, err := m.GetWindowNames()
		if err != nil {
			L.RaiseError("%v", err)
		}
		out := L.NewTable()
		for i, n := range names {
			out.RawSetInt(i+1, lua.LString(n))
		}
		L.Push(out)
		return 1
	})
	set("wait_for_window", errFn1(func(pattern string) error { return m.WaitForWindow(pattern) }))
	set("forward_port", func(L *lua.LState) int {
		if err := m.ForwardPort(L.CheckInt(1), L.CheckInt(2)); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	})
	set("block", func(L *lua.LState) int {
		if err := m.Block(); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	})
	set("unblock", func(L *lua.LState) int {
		if err := m.Unblock(); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	})

	return tbl
}

// errFn1 adapts a single-string-argument verb into a lua.LGFunction.
func errFn1(f func(string) error) lua.LGFunction {
	return func(L *lua.LState) int {
		if err := f(L.CheckString(1)); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	}
}

// errFnInt adapts a single-int-argument verb into a lua.LGFunction.
func errFnInt(f func(int) error) lua.LGFunction {
	return func(L *lua.LState) int {
		if err := f(L.CheckInt(1)); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	}
}

func optString(L *lua.LState, idx int) string {
	if L.GetTop() < idx {
		return ""
	}
	v := L.Get(idx)
	if v == lua.LNil {
		return ""
	}
	return L.CheckString(idx)
}
