package gcode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	b, err := ParseLine("g1 x1.5 y-2 f100 ; comment")
	require.NoError(t, err)
	assert.Equal(t, Block{{W: 'G', Arg: 1}, {W: 'X', Arg: 1.5}, {W: 'Y', Arg: -2}, {W: 'F', Arg: 100}}, b)

	b, err = ParseLine("(just a comment)")
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = ParseLine("hello world")
	assert.Error(t, err)
}

func TestCanonical(t *testing.T) {
	check := func(in, want string) {
		t.Helper()
		got, err := Canonical(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	check("G1 X1.23456 F100", "G1X1.235F100")
	check("g0 z-25", "G0Z-25")
	check("G38.2 Z-10.5 F50 (probe)", "G38.2Z-10.5F50")
	check("$X", "$X")
	check("; nothing here", "")

	_, err := Canonical("not gcode")
	assert.Error(t, err)
}

func TestSplitProgram(t *testing.T) {
	prog := strings.NewReader("G21\nG90\n; setup done\nG1 X10.0001 F500\n")
	lines, err := SplitProgram(prog)
	require.NoError(t, err)
	assert.Equal(t, []string{"G21", "G90", "G1X10F500"}, lines)
}
