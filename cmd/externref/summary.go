package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/wasm-externref/externref"
	"github.com/wippyai/wasm-externref/ir"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))
)

// styled reports whether w is a terminal worth colouring.
func styled(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func summary(m *ir.Module, rep *externref.Report, path string, inSize, outSize int, color bool) string {
	render := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}
	var b strings.Builder
	line := func(label, format string, args ...any) {
		fmt.Fprintf(&b, "  %s %s\n", render(labelStyle, fmt.Sprintf("%-10s", label)), fmt.Sprintf(format, args...))
	}

	b.WriteString(render(titleStyle, "externref") + " " + path + "\n")
	line("size", "%d -> %d bytes", inSize, outSize)
	line("calls", "%d rewritten, %d folded", rep.Calls, rep.Folded)
	line("pruned", "%d intrinsic imports", len(rep.Pruned))
	switch {
	case !rep.TableUsed:
		line("table", "not needed")
	case rep.TableCreated:
		line("table", "created, min %d", rep.TableMin)
	default:
		line("table", "reused, min %d", rep.TableMin)
	}
	for _, id := range rep.Rewritten {
		if f, ok := m.Func(id); ok {
			line("rewrote", "%s", render(funcStyle, f.Label()))
		}
	}
	for _, w := range rep.Wrappers {
		line("wrapped", "%s", render(funcStyle, w.Directive))
	}
	return b.String()
}
