// Package stdinstream turns the process's inherited stdin/stdout into a
// single io.ReadWriteCloser, the way a forked-per-peer engine process
// receives its accepted socket when invoked from an inetd-style listener
// or an sshd ForceCommand.
package stdinstream

import "os"

// Incoming returns the current process's stdin and stdout combined into one
// stream. Close closes both.
func Incoming() Stream { return Stream{} }

type Stream struct{}

func (Stream) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (Stream) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func (Stream) Close() error {
	if err := os.Stdin.Close(); err != nil {
		return err
	}
	return os.Stdout.Close()
}
