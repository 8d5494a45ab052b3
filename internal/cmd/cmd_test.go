package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// runCLI executes the command tree with args and returns exit code and
// standard output. Flags are reset first because the command tree is
// package state.
func runCLI(t *testing.T, stdin string, args ...string) (int, string) {
	t.Helper()
	resetFlags(rootCmd)
	appConfig = nil

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(bytes.NewBufferString(stdin))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
	})

	code := execute(context.Background(), args)
	return code, out.String()
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// isolateHome keeps config discovery and the data directory inside t.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("FMAXSWEEP_CONFIG", "")
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// newSweep lays out an architecture tree with variants a and b and returns
// the path of a job set running command.
func newSweep(t *testing.T, command string) string {
	t.Helper()
	base := t.TempDir()
	arch := filepath.Join(base, "architectures", "alu")
	writeFile(t, filepath.Join(arch, "_settings.yml"), `rtl_path: rtl
top_level_file: top.v
top_level_module: top
clock_signal: clk
reset_signal: rst
start_delimiter: "// PARAMS START"
stop_delimiter: "// PARAMS STOP"
`)
	writeFile(t, filepath.Join(arch, "rtl", "top.v"), "module top;\n// PARAMS START\n// PARAMS STOP\nendmodule\n")
	writeFile(t, filepath.Join(arch, "a.txt"), "parameter N = 1;\n")
	writeFile(t, filepath.Join(arch, "b.txt"), "parameter N = 2;\n")
	writeFile(t, filepath.Join(base, "scripts", "synth.tcl"), "set top_level_module x\n")

	path := filepath.Join(base, "sweep.yaml")
	writeFile(t, path, `version: "1.0"
target: xc7
paths:
  architectures: architectures
  scripts: scripts
tool:
  command: "`+command+`"
jobs:
  - arch: alu/*
  - arch: missing/x
`)
	return path
}
