package logger

import (
	"context"
	"fmt"
	"os"
)

type stderrOutlet struct{}

func (stderrOutlet) WriteEntry(_ context.Context, e Entry) error {
	fmt.Fprintf(os.Stderr, "%s [%s] %s\n", e.Time.Format("15:04:05.000"), e.Level.Short(), e.Message)
	return nil
}

// NewStderrDebugLogger is a convenience constructor for a logger that
// writes every level, Debug and up, to stderr without configured outlets.
func NewStderrDebugLogger() Logger {
	outlets := NewOutlets()
	outlets.Add(stderrOutlet{}, Debug)
	return NewLogger(outlets, 0)
}
