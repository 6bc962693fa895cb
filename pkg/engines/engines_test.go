package engines_test

import (
	"errors"
	"testing"

	"github.com/poltergeist/prototype/pkg/engine"
	"github.com/poltergeist/prototype/pkg/engines"
	"github.com/poltergeist/prototype/pkg/registry"
	"github.com/poltergeist/prototype/pkg/types"
	"github.com/stretchr/testify/require"
)

// scripts holds the same behaviours written for each runtime.
type scripts struct {
	ext          string
	name         string
	missingEntry string
	doubler      string
	defaults     string
	noEntry      string
	syntax       string
	runtime      string
	display      string
	controls     string
	counter      string
	badSettings  string

	// declarations of the wrong type
	malformedSettings []string
}

var allScripts = []scripts{
	{
		ext:          "js",
		name:         "JavaScript",
		missingEntry: "No process() function",
		doubler: `
config.frameDivider = 1
config.bufferSize = 4
function process(block) {
	for (let i = 0; i < 6; i++)
		for (let j = 0; j < block.bufferSize; j++)
			block.outputs[i][j] = block.inputs[i][j] * 2
}`,
		defaults: `function process(block) {}`,
		noEntry:  `var x = 1`,
		syntax:   `function process(block) {`,
		runtime:  `function process(block) { throw new Error("boom") }`,
		display:  `display("hello"); function process(block) {}`,
		controls: `
config.frameDivider = 1
function process(block) {
	block.knobs[0] = 0.25
	block.lights[1][1] = 1
	block.switchLights[2] = [0, 0, 1]
	block.outputs[3][0] = block.switches[3] ? 1 : 0
	block.outputs[4][0] = block.sampleTime
}`,
		counter: `
var n = 0
function process(block) { n++; block.outputs[0][0] = n }`,
		badSettings: `config.bufferSize = 0; function process(block) {}`,
		malformedSettings: []string{
			`config.bufferSize = "big"; function process(block) {}`,
			`config.frameDivider = {}; function process(block) {}`,
		},
	},
	{
		ext:          "lua",
		name:         "Lua",
		missingEntry: "No process() function",
		doubler: `
config.frameDivider = 1
config.bufferSize = 4
function process(block)
	for i = 1, 6 do
		for j = 1, block.bufferSize do
			block.outputs[i][j] = block.inputs[i][j] * 2
		end
	end
end`,
		defaults: `function process(block) end`,
		noEntry:  `x = 1`,
		syntax:   `function process(block`,
		runtime:  `function process(block) error("boom") end`,
		display:  "display(\"hello\")\nfunction process(block) end",
		controls: `
config.frameDivider = 1
function process(block)
	block.knobs[1] = 0.25
	block.lights[2][2] = 1
	block.switchLights[3] = {0, 0, 1}
	block.outputs[4][1] = block.switches[4] and 1 or 0
	block.outputs[5][1] = block.sampleTime
end`,
		counter: `
n = 0
function process(block)
	n = n + 1
	block.outputs[1][1] = n
end`,
		badSettings: "config.bufferSize = 0\nfunction process(block) end",
		malformedSettings: []string{
			"config.bufferSize = \"big\"\nfunction process(block) end",
			"config.frameDivider = {}\nfunction process(block) end",
			"config = 5\nfunction process(block) end",
		},
	},
	{
		ext:          "hcl",
		name:         "HCL",
		missingEntry: "No process block",
		doubler: `
config {
  frame_divider = 1
  buffer_size   = 4
}

process {
  outputs = [for row in block.inputs : [for x in row : x * 2]]
}`,
		defaults: `process {}`,
		noEntry: `
config {
  frame_divider = 2
}`,
		syntax:  `process {`,
		runtime: "process {\n  outputs = [block.nothing]\n}",
		display: "process {\n  display = \"hello\"\n}",
		controls: `
config {
  frame_divider = 1
}

process {
  knobs         = [0.25, null, null, null, null, null]
  lights        = [null, [0, 1, 0]]
  switch_lights = [null, null, [0, 0, 1]]
  outputs       = [0, 0, 0, block.switches[3] ? 1 : 0, block.sample_time]
}`,
		counter: `
config {
  initial_state = 0
}

process {
  state   = state + 1
  outputs = [state + 1]
}`,
		badSettings: "config {\n  buffer_size = 0\n}\nprocess {}",
		malformedSettings: []string{
			"config {\n  buffer_size = \"big\"\n}\nprocess {}",
			"config {\n  frame_divider = true\n}\nprocess {}",
			"config {\n  buffer_size = 1.5\n}\nprocess {}",
		},
	},
}

func start(t *testing.T, ext, script string) (engine.Adapter, *engine.StandaloneHost, types.Settings, error) {
	t.Helper()
	reg := engines.NewDefaultRegistry()
	a, ok := reg.Create(ext)
	require.True(t, ok, "no engine for %s", ext)
	t.Cleanup(func() { _ = a.Close() })

	host := engine.NewStandaloneHost(types.MaxBufferSize, nil)
	settings, err := host.Run(a, "test."+ext, script)
	return a, host, settings, err
}

func TestRegisterDefaults(t *testing.T) {
	reg := engines.NewDefaultRegistry()
	require.Equal(t, []string{"hcl", "js", "lua"}, reg.Extensions())

	err := engines.RegisterDefaults(reg)
	require.ErrorIs(t, err, registry.ErrDuplicateExtension)

	for _, s := range allScripts {
		a, err := reg.ForPath("/patches/PATCH." + s.ext)
		require.NoError(t, err)
		require.Equal(t, s.name, a.Name())
	}
}

func TestEngineConformance(t *testing.T) {
	for _, s := range allScripts {
		t.Run(s.name, func(t *testing.T) {
			t.Run("doubler", func(t *testing.T) {
				a, host, settings, err := start(t, s.ext, s.doubler)
				require.NoError(t, err)
				require.Equal(t, types.Settings{FrameDivider: 1, BufferSize: 4}, settings)

				b := host.Block()
				for j := range 4 {
					b.Inputs[0][j] = 1
					b.Inputs[2][j] = float32(j)
				}
				require.NoError(t, a.Process())

				for j := range 4 {
					require.Equal(t, float32(2), b.Outputs[0][j])
					require.Equal(t, float32(2*j), b.Outputs[2][j])
					require.Zero(t, b.Outputs[1][j])
					require.Zero(t, b.Outputs[5][j])
				}
			})

			t.Run("defaults", func(t *testing.T) {
				_, _, settings, err := start(t, s.ext, s.defaults)
				require.NoError(t, err)
				require.Equal(t, types.DefaultSettings(), settings)
			})

			t.Run("missing entry point", func(t *testing.T) {
				_, _, _, err := start(t, s.ext, s.noEntry)
				require.ErrorIs(t, err, engine.ContractViolation)

				var e *engine.Error
				require.True(t, errors.As(err, &e))
				require.Equal(t, s.missingEntry, e.Message)
				require.Equal(t, 2, e.Code())
			})

			t.Run("syntax error", func(t *testing.T) {
				_, _, _, err := start(t, s.ext, s.syntax)
				require.ErrorIs(t, err, engine.CompileError)
			})

			t.Run("bad settings", func(t *testing.T) {
				_, _, _, err := start(t, s.ext, s.badSettings)
				require.ErrorIs(t, err, engine.ContractViolation)
			})

			t.Run("malformed settings", func(t *testing.T) {
				for _, script := range s.malformedSettings {
					_, _, _, err := start(t, s.ext, script)
					require.ErrorIs(t, err, engine.ContractViolation, script)
				}
			})

			t.Run("runtime error", func(t *testing.T) {
				a, _, _, err := start(t, s.ext, s.runtime)
				require.NoError(t, err)

				err = a.Process()
				require.ErrorIs(t, err, engine.RuntimeError)
				require.NotEmpty(t, err.Error())
			})

			t.Run("display", func(t *testing.T) {
				a, host, _, err := start(t, s.ext, s.display)
				require.NoError(t, err)
				require.NoError(t, a.Process())
				require.Equal(t, "hello", host.Board.Message())
			})

			t.Run("controls", func(t *testing.T) {
				a, host, _, err := start(t, s.ext, s.controls)
				require.NoError(t, err)

				b := host.Block()
				b.Switches[3] = true
				b.SampleTime = 0.5
				require.NoError(t, a.Process())

				require.Equal(t, float32(0.25), b.Knobs[0])
				require.Equal(t, types.RGB{0, 1, 0}, b.Lights[1])
				require.Equal(t, types.RGB{0, 0, 1}, b.SwitchLights[2])
				require.Equal(t, float32(1), b.Outputs[3][0])
				require.Equal(t, float32(0.5), b.Outputs[4][0])
			})

			t.Run("one invocation per call", func(t *testing.T) {
				a, host, _, err := start(t, s.ext, s.counter)
				require.NoError(t, err)

				for range 5 {
					require.NoError(t, a.Process())
				}
				require.Equal(t, float32(5), host.Block().Outputs[0][0])
			})

			t.Run("close is idempotent", func(t *testing.T) {
				a, _, _, err := start(t, s.ext, s.defaults)
				require.NoError(t, err)
				require.NoError(t, a.Close())
				require.NoError(t, a.Close())
				require.Error(t, a.Process())
			})
		})
	}
}
