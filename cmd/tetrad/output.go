package main

import (
	"fmt"
	"os"
)

// Status output goes to stderr so piped stdout carries only answers and
// machine-readable output.

const (
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorBold    = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printLine(color, prefix, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(color, prefix+msg))
}

func printSuccess(format string, args ...any) {
	printLine(colorGreen, "✓ ", format, args...)
}

func printError(format string, args ...any) {
	printLine(colorRed, "✗ ", format, args...)
}

func printWarning(format string, args ...any) {
	printLine(colorYellow, "⚠ ", format, args...)
}

func printStep(format string, args ...any) {
	printLine(colorCyan, "→ ", format, args...)
}

// printStage announces a pipeline stage as the event stream reaches it.
func printStage(name string) {
	fmt.Fprintln(os.Stderr, colorize(colorMagenta, "["+name+"]"))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), val)
}
