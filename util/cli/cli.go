package cli

import (
	"fmt"
	"os"
	"time"
)

func Printf(pat string, args ...any) {
	fmt.Printf(pat, args...)
}

func Printlnf(pat string, args ...any) {
	fmt.Printf(pat+"\n", args...)
}

// Print line prefixed with current time.
func TPrintlnf(pat string, args ...any) {
	t := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Printf(t+" "+pat+"\n", args...)
}

func DebugPrintlnf(debug bool, pat string, args ...any) {
	if debug {
		fmt.Printf("[DEBUG] "+pat+"\n", args...)
	}
}

// Print line to stderr and exit with status 1.
func Exitf(pat string, args ...any) {
	fmt.Fprintf(os.Stderr, pat+"\n", args...)
	os.Exit(1)
}
