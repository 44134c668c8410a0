package commands

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"androidfarm/farm"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

func printError(w io.Writer, err error) {
	red.Fprintf(w, "Error: %v\n", err)
}

// stateColor picks the color a tile state is printed in.
func stateColor(s farm.State) *color.Color {
	switch s {
	case farm.StateStreaming:
		return green
	case farm.StateConnecting, farm.StateDisconnecting:
		return yellow
	case farm.StateFailed:
		return red
	default:
		return faint
	}
}

func header(w io.Writer, format string, a ...any) {
	cyan.Fprintf(w, format+"\n", a...)
}

func printf(w io.Writer, format string, a ...any) {
	fmt.Fprintf(w, format, a...)
}
