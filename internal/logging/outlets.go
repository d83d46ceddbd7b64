package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/unidata/ldm7up/internal/logger"
)

// WriterOutlet formats and writes entries to an io.Writer, e.g. os.Stderr.
type WriterOutlet struct {
	Formatter Formatter
	Writer    io.Writer
}

func (o WriterOutlet) WriteEntry(_ context.Context, e logger.Entry) error {
	b, err := o.Formatter.Format(&e)
	if err != nil {
		return err
	}
	if _, err := o.Writer.Write(b); err != nil {
		return err
	}
	_, err = o.Writer.Write([]byte("\n"))
	return err
}

// FileOutlet appends formatted entries to a log file, reopening it if the
// file was rotated out from under the process (nlink dropped to zero).
type FileOutlet struct {
	file      *os.File
	filename  string
	formatter Formatter
}

func NewFileOutlet(formatter Formatter, filename string) (*FileOutlet, error) {
	o := &FileOutlet{filename: filename, formatter: formatter}
	if err := o.open(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *FileOutlet) open() error {
	f, err := os.OpenFile(o.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("log file outlet: %w", err)
	}
	o.file = f
	return nil
}

func (o *FileOutlet) reopenIfUnlinked() error {
	info, err := o.file.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", o.filename, err)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Nlink == 0 {
		if err := o.file.Close(); err != nil {
			return err
		}
		return o.open()
	}
	return nil
}

func (o *FileOutlet) WriteEntry(_ context.Context, e logger.Entry) error {
	b, err := o.formatter.Format(&e)
	if err != nil {
		return err
	}
	if err := o.reopenIfUnlinked(); err != nil {
		return nil
	}
	if _, err := o.file.Write(b); err != nil {
		return fmt.Errorf("write %q: %w", o.filename, err)
	}
	_, err = o.file.Write([]byte("\n"))
	return err
}
