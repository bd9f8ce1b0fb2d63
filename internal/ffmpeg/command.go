// Package ffmpeg builds and runs FFmpeg child processes for dss.
package ffmpeg

import (
	"fmt"
	"strings"
)

// SplitArgs splits a command-line option string into argv fields, honoring
// single and double quotes. It never returns empty fields.
func SplitArgs(s string) []string {
	var (
		args    []string
		current strings.Builder
		quote   rune
		started bool
	)

	flush := func() {
		if started {
			args = append(args, current.String())
			current.Reset()
			started = false
		}
	}

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			started = true
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			current.WriteRune(r)
			started = true
		}
	}
	flush()
	return args
}

// Composer builds FFmpeg argument vectors. The probe size, when set, is
// appended to every input's options.
type Composer struct {
	Bin   string
	Probe string
}

// inputArgs is the base of every command: binary, per-input options, -i.
func (c *Composer) inputArgs(inputOpts, input string) []string {
	args := []string{c.Bin}
	args = append(args, SplitArgs(inputOpts)...)
	if c.Probe != "" {
		args = append(args, "-probesize", c.Probe)
	}
	args = append(args, "-i", input)
	return args
}

// BuildCmd builds an FFmpeg command for a single input and single output.
func (c *Composer) BuildCmd(inputOpts, input, outputOpts, output string) []string {
	args := c.inputArgs(inputOpts, input)
	args = append(args, SplitArgs(outputOpts)...)
	args = append(args, output)
	return args
}

// BuildCmdOutputs builds an FFmpeg command with one input and multiple
// outputs. baseOutputOpts is repeated before each output's specific options.
func (c *Composer) BuildCmdOutputs(inputOpts, input, baseOutputOpts string, outputOpts, outputs []string) ([]string, error) {
	if len(outputOpts) != len(outputs) {
		return nil, fmt.Errorf("output options/outputs length mismatch: %d != %d", len(outputOpts), len(outputs))
	}

	args := c.inputArgs(inputOpts, input)
	base := SplitArgs(baseOutputOpts)
	for i, out := range outputs {
		args = append(args, base...)
		args = append(args, SplitArgs(outputOpts[i])...)
		args = append(args, out)
	}
	return args, nil
}

// BuildCmdInputsOutputs builds an FFmpeg command with multiple inputs and
// multiple outputs. globalOpts precede every input.
func (c *Composer) BuildCmdInputsOutputs(globalOpts string, inputs []string, baseOutputOpts string, outputOpts, outputs []string) ([]string, error) {
	if len(outputOpts) != len(outputs) {
		return nil, fmt.Errorf("output options/outputs length mismatch: %d != %d", len(outputOpts), len(outputs))
	}

	args := []string{c.Bin}
	global := SplitArgs(globalOpts)
	for _, in := range inputs {
		args = append(args, global...)
		if c.Probe != "" {
			args = append(args, "-probesize", c.Probe)
		}
		args = append(args, "-i", in)
	}

	base := SplitArgs(baseOutputOpts)
	for i, out := range outputs {
		args = append(args, base...)
		args = append(args, SplitArgs(outputOpts[i])...)
		args = append(args, out)
	}
	return args, nil
}
