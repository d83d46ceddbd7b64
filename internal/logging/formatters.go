// Package logging adapts internal/logger entries into wire formats for the
// engine's outlets: a human-readable line for interactive use and a logfmt
// line for structured collection.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logfmt/logfmt"
	"github.com/pkg/errors"

	"github.com/unidata/ldm7up/internal/logger"
)

const (
	FieldLevel   = "level"
	FieldMessage = "msg"
	FieldTime    = "time"
)

// these fields, when present, are pulled to the front of a line instead of
// being logfmt-encoded alongside the rest of the entry's fields.
const (
	fieldSession = "session"
	fieldPeer    = "peer"
	fieldFeed    = "feed"
	fieldCircuit = "circuit"
)

var prefixFields = []string{fieldSession, fieldPeer, fieldFeed, fieldCircuit}

type MetadataFlags int

const (
	MetadataTime MetadataFlags = 1 << iota
	MetadataLevel

	MetadataNone MetadataFlags = 0
	MetadataAll  MetadataFlags = ^0
)

type Formatter interface {
	SetMetadataFlags(flags MetadataFlags)
	Format(e *logger.Entry) ([]byte, error)
}

type HumanFormatter struct {
	metadataFlags MetadataFlags
}

const HumanFormatterDateFormat = time.RFC3339

func (f *HumanFormatter) SetMetadataFlags(flags MetadataFlags) { f.metadataFlags = flags }

func (f *HumanFormatter) Format(e *logger.Entry) ([]byte, error) {
	var line bytes.Buffer

	if f.metadataFlags&MetadataTime != 0 {
		fmt.Fprintf(&line, "%s ", e.Time.Format(HumanFormatterDateFormat))
	}
	if f.metadataFlags&MetadataLevel != 0 {
		fmt.Fprintf(&line, "[%s]", e.Level.Short())
	}

	prefixed := make(map[string]bool, len(prefixFields))
	for _, field := range prefixFields {
		val, ok := e.Fields[field]
		if !ok {
			continue
		}
		fmt.Fprintf(&line, "[%s=%v]", field, val)
		prefixed[field] = true
	}

	if line.Len() > 0 {
		fmt.Fprint(&line, ": ")
	}
	fmt.Fprint(&line, e.Message)

	if len(e.Fields)-len(prefixed) > 0 {
		fmt.Fprint(&line, " ")
		enc := logfmt.NewEncoder(&line)
		for field, value := range e.Fields {
			if prefixed[field] {
				continue
			}
			if err := tryEncodeKeyval(enc, field, value); err != nil {
				return nil, err
			}
		}
	}

	return line.Bytes(), nil
}

type JSONFormatter struct {
	metadataFlags MetadataFlags
}

func (f *JSONFormatter) SetMetadataFlags(flags MetadataFlags) { f.metadataFlags = flags }

func (f *JSONFormatter) Format(e *logger.Entry) ([]byte, error) {
	data := make(logger.Fields, len(e.Fields)+3)
	for k, v := range e.Fields {
		switch v := v.(type) {
		case error:
			data[k] = v.Error()
		default:
			if _, err := json.Marshal(v); err != nil {
				return nil, errors.Errorf("field %q is not JSON encodable", k)
			}
			data[k] = v
		}
	}
	data[FieldMessage] = e.Message
	data[FieldTime] = e.Time.Format(time.RFC3339)
	data[FieldLevel] = e.Level.String()
	return json.Marshal(data)
}

type LogfmtFormatter struct {
	metadataFlags MetadataFlags
}

func (f *LogfmtFormatter) SetMetadataFlags(flags MetadataFlags) { f.metadataFlags = flags }

func (f *LogfmtFormatter) Format(e *logger.Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := logfmt.NewEncoder(&buf)

	if f.metadataFlags&MetadataTime != 0 {
		enc.EncodeKeyval(FieldTime, e.Time)
	}
	if f.metadataFlags&MetadataLevel != 0 {
		enc.EncodeKeyval(FieldLevel, e.Level.String())
	}

	prefixed := make(map[string]bool, len(prefixFields))
	for _, field := range prefixFields {
		v, ok := e.Fields[field]
		if !ok {
			continue
		}
		if err := tryEncodeKeyval(enc, field, v); err != nil {
			return nil, err
		}
		prefixed[field] = true
	}

	enc.EncodeKeyval(FieldMessage, e.Message)

	for k, v := range e.Fields {
		if !prefixed[k] {
			if err := tryEncodeKeyval(enc, k, v); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

func tryEncodeKeyval(enc *logfmt.Encoder, field string, value interface{}) error {
	err := enc.EncodeKeyval(field, value)
	switch err {
	case nil:
		return nil
	case logfmt.ErrUnsupportedValueType:
		return enc.EncodeKeyval(field, fmt.Sprintf("<%T>", value))
	}
	return errors.Wrapf(err, "cannot encode field %q", field)
}
