package logger

import (
	"context"
	"testing"
)

type testingOutlet struct {
	t *testing.T
}

func (o testingOutlet) WriteEntry(_ context.Context, entry Entry) error {
	o.t.Logf("%s %s", entry.Level.Short(), entry.Message)
	return nil
}

func NewTestLogger(t *testing.T) Logger {
	outlets := NewOutlets()
	outlets.Add(testingOutlet{t}, Debug)
	return NewLogger(outlets, 0)
}
