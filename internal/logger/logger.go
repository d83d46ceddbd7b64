// Package logger is the session engine's structured logger: leveled,
// field-carrying entries fanned out to one or more outlets.
package logger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

const FieldError = "err"

// Logger is implemented by *logger so that session code can be exercised
// against a fake in tests without depending on the concrete outlet fan-out.
type Logger interface {
	WithField(field string, val interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	Debug(msg string)
	Info(msg string)
	Notice(msg string)
	Warn(msg string)
	Error(msg string)
}

type logger struct {
	fields        Fields
	outlets       *Outlets
	outletTimeout time.Duration
	mtx           *sync.Mutex
}

func NewLogger(outlets *Outlets, outletTimeout time.Duration) Logger {
	return &logger{
		fields:        make(Fields, 5),
		outlets:       outlets,
		outletTimeout: outletTimeout,
		mtx:           &sync.Mutex{},
	}
}

func (l *logger) log(level Level, msg string) {
	l.mtx.Lock()
	fields := make(Fields, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	l.mtx.Unlock()

	entry := Entry{Level: level, Message: msg, Time: time.Now(), Fields: fields}

	ctx := context.Background()
	var cancel context.CancelFunc
	if l.outletTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, l.outletTimeout)
		defer cancel()
	}

	outs := l.outlets.Get(level)
	ech := make(chan error, len(outs))
	for i := range outs {
		go func(o Outlet) { ech <- o.WriteEntry(ctx, entry) }(outs[i])
	}
	for fin := 0; fin < len(outs); fin++ {
		select {
		case err := <-ech:
			if err != nil {
				fmt.Fprintf(os.Stderr, "logger: outlet error: %s\n", err)
			}
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "logger: outlets exceeded deadline, continuing anyway\n")
		}
	}
}

func (l *logger) WithField(field string, val interface{}) Logger {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	child := &logger{
		fields:        make(Fields, len(l.fields)+1),
		outlets:       l.outlets,
		outletTimeout: l.outletTimeout,
		mtx:           l.mtx,
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	child.fields[field] = val
	return child
}

func (l *logger) WithFields(fields Fields) Logger {
	var ret Logger = l
	for field, value := range fields {
		ret = ret.WithField(field, value)
	}
	return ret
}

func (l *logger) WithError(err error) Logger {
	var val interface{}
	if err != nil {
		val = err.Error()
	}
	return l.WithField(FieldError, val)
}

func (l *logger) Debug(msg string)  { l.log(Debug, msg) }
func (l *logger) Info(msg string)   { l.log(Info, msg) }
func (l *logger) Notice(msg string) { l.log(Notice, msg) }
func (l *logger) Warn(msg string)   { l.log(Warn, msg) }
func (l *logger) Error(msg string)  { l.log(Error, msg) }
