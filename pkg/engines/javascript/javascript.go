// Package javascript hosts scripts on the goja ECMAScript runtime.
//
// Script API:
//
//	config.frameDivider = 1     // read once after the script runs
//	config.bufferSize = 16
//	display("hello")
//	console.log("x", 1)         // also info, debug, warn
//	function process(block) {  // required
//	    block.outputs[0][0] = block.inputs[0][0] * block.knobs[0]
//	}
//
// Arrays are 0-based. block.inputs, block.outputs, block.lights and
// block.switchLights are arrays of rows; each row aliases the scheduler's
// ProcessBlock, so writes land without a copy.
package javascript

import (
	"errors"
	"strings"

	"github.com/dop251/goja"
	"github.com/poltergeist/prototype/pkg/engine"
	"github.com/poltergeist/prototype/pkg/logger"
	"github.com/poltergeist/prototype/pkg/types"
)

// Name is the engine name shown on the panel
const Name = "JavaScript"

// Adapter runs one JavaScript program
type Adapter struct {
	host    engine.Host
	vm      *goja.Runtime
	process goja.Callable
	block   *goja.Object

	outputs      [][]float32
	lights       [][]float32
	switchLights [][]float32
}

// New returns an unstarted adapter
func New() engine.Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string {
	return Name
}

// Run compiles and evaluates script, then binds process(block).
func (a *Adapter) Run(host engine.Host, path, script string) (settings types.Settings, err error) {
	defer engine.Recover(Name, &err)

	a.host = host
	a.vm = goja.New()
	if err := a.installGlobals(); err != nil {
		return settings, &engine.Error{Kind: engine.ResourceError, Engine: Name, Message: err.Error(), Err: err}
	}

	program, err := goja.Compile(path, script, false)
	if err != nil {
		return settings, &engine.Error{Kind: engine.CompileError, Engine: Name, Message: err.Error(), Err: err}
	}
	if _, err := a.vm.RunProgram(program); err != nil {
		return settings, &engine.Error{Kind: engine.CompileError, Engine: Name, Message: exceptionMessage(err), Err: err}
	}

	settings = a.readConfig()
	if err := settings.Validate(); err != nil {
		return settings, &engine.Error{Kind: engine.ContractViolation, Engine: Name, Message: err.Error(), Err: err}
	}

	fn, ok := goja.AssertFunction(a.vm.Get("process"))
	if !ok {
		return settings, engine.Errorf(engine.ContractViolation, Name, "No process() function")
	}
	a.process = fn

	a.bindBlock(settings.BufferSize)
	return settings, nil
}

func (a *Adapter) installGlobals() error {
	log := a.host.Logger()

	console := a.vm.NewObject()
	for name, logf := range map[string]func(string, ...logger.Field){
		"log":   log.Info,
		"info":  log.Info,
		"debug": log.Debug,
		"warn":  log.Warn,
	} {
		if err := console.Set(name, func(call goja.FunctionCall) goja.Value {
			logf(joinArgs(call.Arguments))
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	if err := a.vm.Set("console", console); err != nil {
		return err
	}

	if err := a.vm.Set("display", func(call goja.FunctionCall) goja.Value {
		a.host.Display(joinArgs(call.Arguments))
		return goja.Undefined()
	}); err != nil {
		return err
	}

	config := a.vm.NewObject()
	_ = config.Set("frameDivider", types.DefaultFrameDivider)
	_ = config.Set("bufferSize", types.DefaultBufferSize)
	return a.vm.Set("config", config)
}

func (a *Adapter) readConfig() types.Settings {
	settings := types.DefaultSettings()

	v := a.vm.Get("config")
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return settings
	}
	config := v.ToObject(a.vm)
	if n, ok := integer(config.Get("frameDivider")); ok {
		settings.FrameDivider = n
	}
	if n, ok := integer(config.Get("bufferSize")); ok {
		settings.BufferSize = n
	}
	return settings
}

func integer(v goja.Value) (int, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0, false
	}
	return int(v.ToInteger()), true
}

// bindBlock builds the block object once. Rows are Go slices over the
// ProcessBlock arrays.
func (a *Adapter) bindBlock(bufferSize int) {
	b := a.host.Block()

	inputs := make([][]float32, types.NumRows)
	a.outputs = make([][]float32, types.NumRows)
	a.lights = make([][]float32, types.NumRows)
	a.switchLights = make([][]float32, types.NumRows)
	for i := range types.NumRows {
		inputs[i] = b.Inputs[i][:bufferSize]
		a.outputs[i] = b.Outputs[i][:bufferSize]
		a.lights[i] = b.Lights[i][:]
		a.switchLights[i] = b.SwitchLights[i][:]
	}

	obj := a.vm.NewObject()
	_ = obj.Set("sampleRate", b.SampleRate)
	_ = obj.Set("sampleTime", b.SampleTime)
	_ = obj.Set("bufferSize", bufferSize)
	_ = obj.Set("inputs", inputs)
	_ = obj.Set("outputs", a.outputs)
	_ = obj.Set("knobs", b.Knobs[:])
	_ = obj.Set("switches", b.Switches[:])
	_ = obj.Set("lights", a.lights)
	_ = obj.Set("switchLights", a.switchLights)
	a.block = obj
}

// Process calls process(block) once.
func (a *Adapter) Process() (err error) {
	defer engine.Recover(Name, &err)

	if a.process == nil {
		return engine.Errorf(engine.RuntimeError, Name, "engine not running")
	}

	b := a.host.Block()
	_ = a.block.Set("sampleRate", b.SampleRate)
	_ = a.block.Set("sampleTime", b.SampleTime)
	_ = a.block.Set("bufferSize", b.BufferSize)

	if _, err := a.process(goja.Undefined(), a.block); err != nil {
		return &engine.Error{Kind: engine.RuntimeError, Engine: Name, Message: exceptionMessage(err), Err: err}
	}

	// Scripts may assign whole rows (block.lights[i] = [1, 0, 0]). Copy
	// those back and restore the aliases.
	resync(a.outputs, func(i int) []float32 { return b.Outputs[i][:b.BufferSize] })
	resync(a.lights, func(i int) []float32 { return b.Lights[i][:] })
	resync(a.switchLights, func(i int) []float32 { return b.SwitchLights[i][:] })
	return nil
}

func resync(rows [][]float32, live func(int) []float32) {
	for i, row := range rows {
		dst := live(i)
		if len(row) > 0 && &row[0] == &dst[0] {
			continue
		}
		clear(dst)
		copy(dst, row)
		rows[i] = dst
	}
}

// Close interrupts the runtime and drops it.
func (a *Adapter) Close() error {
	if a.vm != nil {
		a.vm.Interrupt("engine closed")
	}
	a.vm = nil
	a.process = nil
	a.block = nil
	return nil
}

func exceptionMessage(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Error()
	}
	return err.Error()
}

func joinArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = arg.String()
	}
	return strings.Join(parts, " ")
}
