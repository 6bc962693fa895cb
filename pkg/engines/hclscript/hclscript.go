// Package hclscript runs declarative HCL patches. A patch declares its
// settings in a config block and its per-buffer behaviour as expressions
// in a process block:
//
//	config {
//	  frame_divider = 1
//	  buffer_size   = 4
//	  initial_state = 0
//	}
//
//	process {
//	  outputs = [for row in block.inputs : [for x in row : x * 2]]
//	  lights  = [for k in block.knobs : [k, 0, 0]]
//	  state   = state + 1
//	  display = format("buffers: %d", state)
//	}
//
// Expressions see block.sample_rate, block.sample_time, block.buffer_size,
// block.inputs, block.knobs, block.switches and state. Every expression is
// evaluated against the same inputs before any result is applied.
// Arrays are 0-based.
//
// cty numbers cannot hold NaN or infinities, so those input samples, knob
// values and timing fields reach expressions as 0. The JavaScript and Lua
// engines pass them through unchanged.
package hclscript

import (
	"errors"
	"fmt"
	"math"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/tryfunc"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/poltergeist/prototype/pkg/engine"
	"github.com/poltergeist/prototype/pkg/types"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Name is the engine name shown on the panel
const Name = "HCL"

// Attributes a process block may set, in the order results are applied.
var processAttributes = []string{"outputs", "knobs", "lights", "switch_lights", "display", "state"}

type scriptFile struct {
	Config  *configBlock  `hcl:"config,block"`
	Process *processBlock `hcl:"process,block"`
}

type configBlock struct {
	FrameDivider cty.Value `hcl:"frame_divider,optional"`
	BufferSize   cty.Value `hcl:"buffer_size,optional"`
	InitialState cty.Value `hcl:"initial_state,optional"`
}

type processBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// Adapter evaluates one HCL patch
type Adapter struct {
	host  engine.Host
	attrs []*hcl.Attribute
	funcs map[string]function.Function
	state cty.Value
}

// New returns an unstarted adapter
func New() engine.Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string {
	return Name
}

// Run parses the patch and checks the process block.
func (a *Adapter) Run(host engine.Host, path, script string) (settings types.Settings, err error) {
	defer engine.Recover(Name, &err)

	a.host = host
	a.funcs = Functions()
	a.state = cty.NullVal(cty.DynamicPseudoType)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL([]byte(script), path)
	if diags.HasErrors() {
		return settings, &engine.Error{Kind: engine.CompileError, Engine: Name, Message: diags.Error(), Err: diags}
	}

	var sf scriptFile
	if diags := gohcl.DecodeBody(file.Body, &hcl.EvalContext{Functions: a.funcs}, &sf); diags.HasErrors() {
		return settings, &engine.Error{Kind: engine.CompileError, Engine: Name, Message: diags.Error(), Err: diags}
	}

	settings = types.DefaultSettings()
	if c := sf.Config; c != nil {
		if err := setting("frame_divider", c.FrameDivider, &settings.FrameDivider); err != nil {
			return settings, err
		}
		if err := setting("buffer_size", c.BufferSize, &settings.BufferSize); err != nil {
			return settings, err
		}
		if c.InitialState != cty.NilVal {
			a.state = c.InitialState
		}
	}
	if err := settings.Validate(); err != nil {
		return settings, &engine.Error{Kind: engine.ContractViolation, Engine: Name, Message: err.Error(), Err: err}
	}

	if sf.Process == nil {
		return settings, engine.Errorf(engine.ContractViolation, Name, "No process block")
	}
	attrs, diags := sf.Process.Body.JustAttributes()
	if diags.HasErrors() {
		return settings, &engine.Error{Kind: engine.CompileError, Engine: Name, Message: diags.Error(), Err: diags}
	}
	for name, attr := range attrs {
		if !allowed(name) {
			return settings, engine.Errorf(engine.ContractViolation, Name,
				"%s: unsupported process attribute %q", attr.NameRange, name)
		}
	}
	for _, name := range processAttributes {
		if attr, ok := attrs[name]; ok {
			a.attrs = append(a.attrs, attr)
		}
	}
	return settings, nil
}

func allowed(name string) bool {
	for _, n := range processAttributes {
		if n == name {
			return true
		}
	}
	return false
}

// Process evaluates the process block against the current block.
func (a *Adapter) Process() (err error) {
	defer engine.Recover(Name, &err)

	if a.host == nil {
		return engine.Errorf(engine.RuntimeError, Name, "engine not running")
	}

	b := a.host.Block()
	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"block": blockValue(b),
			"state": a.state,
		},
		Functions: a.funcs,
	}

	values := make([]cty.Value, len(a.attrs))
	for i, attr := range a.attrs {
		v, diags := attr.Expr.Value(ctx)
		if diags.HasErrors() {
			return &engine.Error{Kind: engine.RuntimeError, Engine: Name, Message: diags.Error(), Err: diags}
		}
		values[i] = v
	}

	for i, attr := range a.attrs {
		if err := a.apply(b, attr.Name, values[i]); err != nil {
			return &engine.Error{
				Kind:    engine.RuntimeError,
				Engine:  Name,
				Message: fmt.Sprintf("%s: %s: %v", attr.Range, attr.Name, err),
				Err:     err,
			}
		}
	}
	return nil
}

func (a *Adapter) apply(b *types.ProcessBlock, name string, v cty.Value) error {
	switch name {
	case "outputs":
		return applyRows(v, func(i int) []float32 { return b.Outputs[i][:b.BufferSize] })
	case "lights":
		return applyRows(v, func(i int) []float32 { return b.Lights[i][:] })
	case "switch_lights":
		return applyRows(v, func(i int) []float32 { return b.SwitchLights[i][:] })
	case "knobs":
		return eachRow(v, func(i int, k cty.Value) error {
			if k.IsNull() {
				return nil
			}
			f, err := toFloat(k)
			if err != nil {
				return err
			}
			b.Knobs[i] = f
			return nil
		})
	case "display":
		if v.IsNull() {
			return nil
		}
		s, err := convert.Convert(v, cty.String)
		if err != nil {
			return err
		}
		a.host.Display(s.AsString())
	case "state":
		a.state = v
	}
	return nil
}

// applyRows writes a list of rows. A row may be null (left untouched),
// a single number (fills the row) or a list of numbers.
func applyRows(v cty.Value, row func(int) []float32) error {
	return eachRow(v, func(i int, r cty.Value) error {
		if r.IsNull() {
			return nil
		}
		dst := row(i)
		if r.Type() == cty.Number {
			f, err := toFloat(r)
			if err != nil {
				return err
			}
			for j := range dst {
				dst[j] = f
			}
			return nil
		}
		if !r.CanIterateElements() {
			return fmt.Errorf("row %d: expected a number or a list of numbers", i)
		}
		j := 0
		for it := r.ElementIterator(); it.Next() && j < len(dst); j++ {
			_, el := it.Element()
			f, err := toFloat(el)
			if err != nil {
				return fmt.Errorf("row %d, index %d: %w", i, j, err)
			}
			dst[j] = f
		}
		return nil
	})
}

func eachRow(v cty.Value, fn func(int, cty.Value) error) error {
	if v.IsNull() {
		return nil
	}
	if !v.IsKnown() || !v.CanIterateElements() {
		return errors.New("expected a list with one entry per row")
	}
	i := 0
	for it := v.ElementIterator(); it.Next() && i < types.NumRows; i++ {
		_, el := it.Element()
		if err := fn(i, el); err != nil {
			return err
		}
	}
	return nil
}

func toFloat(v cty.Value) (float32, error) {
	n, err := convert.Convert(v, cty.Number)
	if err != nil {
		return 0, err
	}
	var f float64
	if err := gocty.FromCtyValue(n, &f); err != nil {
		return 0, err
	}
	return float32(f), nil
}

func blockValue(b *types.ProcessBlock) cty.Value {
	inputs := make([]cty.Value, types.NumRows)
	knobs := make([]cty.Value, types.NumRows)
	switches := make([]cty.Value, types.NumRows)
	for i := range types.NumRows {
		row := make([]cty.Value, b.BufferSize)
		for j := range row {
			row[j] = number(float64(b.Inputs[i][j]))
		}
		inputs[i] = cty.ListVal(row)
		knobs[i] = number(float64(b.Knobs[i]))
		switches[i] = cty.BoolVal(b.Switches[i])
	}
	return cty.ObjectVal(map[string]cty.Value{
		"sample_rate": number(b.SampleRate),
		"sample_time": number(b.SampleTime),
		"buffer_size": cty.NumberIntVal(int64(b.BufferSize)),
		"inputs":      cty.ListVal(inputs),
		"knobs":       cty.ListVal(knobs),
		"switches":    cty.ListVal(switches),
	})
}

// setting stores a declared config value into dst. Unset and null values
// keep the default.
func setting(name string, v cty.Value, dst *int) error {
	if v == cty.NilVal || v.IsNull() {
		return nil
	}
	if err := gocty.FromCtyValue(v, dst); err != nil {
		return engine.Errorf(engine.ContractViolation, Name, "config.%s: %s", name, err)
	}
	return nil
}

// number converts f, mapping NaN and infinities to 0.
func number(f float64) cty.Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return cty.Zero
	}
	return cty.NumberFloatVal(f)
}

// Functions returns the function table available to patches.
func Functions() map[string]function.Function {
	return map[string]function.Function{
		"abs":      stdlib.AbsoluteFunc,
		"ceil":     stdlib.CeilFunc,
		"floor":    stdlib.FloorFunc,
		"max":      stdlib.MaxFunc,
		"min":      stdlib.MinFunc,
		"pow":      stdlib.PowFunc,
		"signum":   stdlib.SignumFunc,
		"mod":      stdlib.ModuloFunc,
		"coalesce": stdlib.CoalesceFunc,
		"concat":   stdlib.ConcatFunc,
		"format":   stdlib.FormatFunc,
		"length":   stdlib.LengthFunc,
		"range":    stdlib.RangeFunc,
		"element":  stdlib.ElementFunc,
		"try":      tryfunc.TryFunc,
		"can":      tryfunc.CanFunc,
		"sin":      unary(math.Sin),
		"cos":      unary(math.Cos),
		"tanh":     unary(math.Tanh),
		"exp":      unary(math.Exp),
		"clamp":    clampFunc,
		"pi":       constant(math.Pi),
	}
}

func unary(f func(float64) float64) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "x", Type: cty.Number}},
		Type:   function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			x, _ := args[0].AsBigFloat().Float64()
			y := f(x)
			if math.IsNaN(y) || math.IsInf(y, 0) {
				return cty.UnknownVal(cty.Number), fmt.Errorf("result is not a finite number")
			}
			return cty.NumberFloatVal(y), nil
		},
	})
}

func constant(c float64) function.Function {
	return function.New(&function.Spec{
		Type: function.StaticReturnType(cty.Number),
		Impl: func([]cty.Value, cty.Type) (cty.Value, error) {
			return cty.NumberFloatVal(c), nil
		},
	})
}

var clampFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "x", Type: cty.Number},
		{Name: "lo", Type: cty.Number},
		{Name: "hi", Type: cty.Number},
	},
	Type: function.StaticReturnType(cty.Number),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		x, _ := args[0].AsBigFloat().Float64()
		lo, _ := args[1].AsBigFloat().Float64()
		hi, _ := args[2].AsBigFloat().Float64()
		return cty.NumberFloatVal(math.Min(math.Max(x, lo), hi)), nil
	},
})

// Close drops the parsed patch.
func (a *Adapter) Close() error {
	a.attrs = nil
	a.host = nil
	return nil
}
