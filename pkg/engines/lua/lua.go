// Package lua hosts scripts on gopher-lua, a Lua 5.1 VM in pure Go.
//
// Script API:
//
//	config.frameDivider = 1
//	config.bufferSize = 16
//	display("hello")
//	print("debug", 1)            -- goes to the host log
//	function process(block)      -- required
//	  block.outputs[1][1] = block.inputs[1][1] * block.knobs[1]
//	end
//
// Arrays are 1-based: jack i is index i+1, sample j is index j+1. Tables
// are created once and reused, so values a script leaves in outputs or
// lights persist until it overwrites them.
package lua

import (
	"strings"

	"github.com/poltergeist/prototype/pkg/engine"
	"github.com/poltergeist/prototype/pkg/types"
	lua "github.com/yuin/gopher-lua"
)

// Name is the engine name shown on the panel
const Name = "Lua"

// Adapter runs one Lua chunk
type Adapter struct {
	host    engine.Host
	L       *lua.LState
	process *lua.LFunction
	block   *lua.LTable
}

// New returns an unstarted adapter
func New() engine.Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string {
	return Name
}

// Run loads and executes the chunk, then binds process(block).
func (a *Adapter) Run(host engine.Host, path, script string) (settings types.Settings, err error) {
	defer engine.Recover(Name, &err)

	a.host = host
	a.L = lua.NewState(lua.Options{SkipOpenLibs: true})
	if err := a.openLibs(); err != nil {
		return settings, &engine.Error{Kind: engine.ResourceError, Engine: Name, Message: err.Error(), Err: err}
	}
	a.installGlobals()

	fn, err := a.L.Load(strings.NewReader(script), path)
	if err != nil {
		return settings, &engine.Error{Kind: engine.CompileError, Engine: Name, Message: err.Error(), Err: err}
	}
	a.L.Push(fn)
	if err := a.L.PCall(0, lua.MultRet, nil); err != nil {
		return settings, &engine.Error{Kind: engine.CompileError, Engine: Name, Message: err.Error(), Err: err}
	}
	a.L.SetTop(0)

	if settings, err = a.readConfig(); err != nil {
		return settings, err
	}
	if err := settings.Validate(); err != nil {
		return settings, &engine.Error{Kind: engine.ContractViolation, Engine: Name, Message: err.Error(), Err: err}
	}

	process, ok := a.L.GetGlobal("process").(*lua.LFunction)
	if !ok {
		return settings, engine.Errorf(engine.ContractViolation, Name, "No process() function")
	}
	a.process = process
	a.block = a.newBlockTable(settings.BufferSize)
	return settings, nil
}

func (a *Adapter) openLibs() error {
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := a.L.CallByParam(lua.P{
			Fn:      a.L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) installGlobals() {
	L := a.L
	log := a.host.Logger()

	L.SetGlobal("display", L.NewFunction(func(L *lua.LState) int {
		a.host.Display(joinArgs(L))
		return 0
	}))
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		log.Info(joinArgs(L))
		return 0
	}))

	config := L.NewTable()
	config.RawSetString("frameDivider", lua.LNumber(types.DefaultFrameDivider))
	config.RawSetString("bufferSize", lua.LNumber(types.DefaultBufferSize))
	L.SetGlobal("config", config)
}

func (a *Adapter) readConfig() (types.Settings, error) {
	settings := types.DefaultSettings()

	var config *lua.LTable
	switch v := a.L.GetGlobal("config").(type) {
	case *lua.LNilType:
		return settings, nil
	case *lua.LTable:
		config = v
	default:
		return settings, engine.Errorf(engine.ContractViolation, Name,
			"config must be a table: got %s", v.Type())
	}

	for _, field := range []struct {
		key string
		dst *int
	}{
		{"frameDivider", &settings.FrameDivider},
		{"bufferSize", &settings.BufferSize},
	} {
		switch v := config.RawGetString(field.key).(type) {
		case *lua.LNilType:
		case lua.LNumber:
			*field.dst = int(v)
		default:
			return settings, engine.Errorf(engine.ContractViolation, Name,
				"config.%s must be a number: got %s", field.key, v.Type())
		}
	}
	return settings, nil
}

func (a *Adapter) newBlockTable(bufferSize int) *lua.LTable {
	L := a.L
	block := L.NewTable()

	rows := func(width int) *lua.LTable {
		t := L.CreateTable(types.NumRows, 0)
		for i := 1; i <= types.NumRows; i++ {
			row := L.CreateTable(width, 0)
			for j := 1; j <= width; j++ {
				row.RawSetInt(j, lua.LNumber(0))
			}
			t.RawSetInt(i, row)
		}
		return t
	}

	block.RawSetString("bufferSize", lua.LNumber(bufferSize))
	block.RawSetString("inputs", rows(bufferSize))
	block.RawSetString("outputs", rows(bufferSize))
	block.RawSetString("lights", rows(3))
	block.RawSetString("switchLights", rows(3))
	block.RawSetString("knobs", L.CreateTable(types.NumRows, 0))
	block.RawSetString("switches", L.CreateTable(types.NumRows, 0))
	return block
}

// Process copies the block into the tables, calls process(block) and
// copies outputs, knobs and lights back.
func (a *Adapter) Process() (err error) {
	defer engine.Recover(Name, &err)

	if a.process == nil {
		return engine.Errorf(engine.RuntimeError, Name, "engine not running")
	}

	L := a.L
	b := a.host.Block()
	n := b.BufferSize

	a.block.RawSetString("sampleRate", lua.LNumber(b.SampleRate))
	a.block.RawSetString("sampleTime", lua.LNumber(b.SampleTime))
	a.block.RawSetString("bufferSize", lua.LNumber(n))

	inputs := a.table(a.block, "inputs", types.NumRows)
	knobs := a.table(a.block, "knobs", types.NumRows)
	switches := a.table(a.block, "switches", types.NumRows)
	for i := range types.NumRows {
		row := a.rowTable(inputs, i+1, n)
		for j := range n {
			row.RawSetInt(j+1, lua.LNumber(b.Inputs[i][j]))
		}
		knobs.RawSetInt(i+1, lua.LNumber(b.Knobs[i]))
		switches.RawSetInt(i+1, lua.LBool(b.Switches[i]))
	}

	if err := L.CallByParam(lua.P{Fn: a.process, NRet: 0, Protect: true}, a.block); err != nil {
		return &engine.Error{Kind: engine.RuntimeError, Engine: Name, Message: err.Error(), Err: err}
	}

	outputs := a.table(a.block, "outputs", types.NumRows)
	lights := a.table(a.block, "lights", types.NumRows)
	switchLights := a.table(a.block, "switchLights", types.NumRows)
	knobs = a.table(a.block, "knobs", types.NumRows)
	for i := range types.NumRows {
		readRow(a.rowTable(outputs, i+1, n), b.Outputs[i][:n])
		readRow(a.rowTable(lights, i+1, 3), b.Lights[i][:])
		readRow(a.rowTable(switchLights, i+1, 3), b.SwitchLights[i][:])
		if v, ok := number(knobs.RawGetInt(i + 1)); ok {
			b.Knobs[i] = v
		}
	}
	return nil
}

// table returns parent[key], replacing it when the script clobbered it.
func (a *Adapter) table(parent *lua.LTable, key string, size int) *lua.LTable {
	if t, ok := parent.RawGetString(key).(*lua.LTable); ok {
		return t
	}
	t := a.L.CreateTable(size, 0)
	parent.RawSetString(key, t)
	return t
}

func (a *Adapter) rowTable(parent *lua.LTable, index, size int) *lua.LTable {
	if t, ok := parent.RawGetInt(index).(*lua.LTable); ok {
		return t
	}
	t := a.L.CreateTable(size, 0)
	parent.RawSetInt(index, t)
	return t
}

func readRow(row *lua.LTable, dst []float32) {
	for j := range dst {
		v, _ := number(row.RawGetInt(j + 1))
		dst[j] = v
	}
}

func number(v lua.LValue) (float32, bool) {
	switch v := v.(type) {
	case lua.LNumber:
		return float32(v), true
	case lua.LBool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Close shuts the VM down.
func (a *Adapter) Close() error {
	if a.L != nil {
		a.L.Close()
	}
	a.L = nil
	a.process = nil
	a.block = nil
	return nil
}

func joinArgs(L *lua.LState) string {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	return strings.Join(parts, " ")
}
