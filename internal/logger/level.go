package logger

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Level is the severity of a log entry. Levels are ordered least to most
// severe. Notice sits between Info and Warn, matching the distinction the
// upstream feed source makes between routine progress messages (Info) and
// conditions an operator should notice but that are not yet a problem
// (Notice) -- e.g. a peer-allowed feed that happens not to be multicast.
type Level int

const (
	Debug Level = iota
	Info
	Notice
	Warn
	Error
)

var AllLevels = []Level{Debug, Info, Notice, Warn, Error}

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Notice:
		return "notice"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

func (l Level) Short() string {
	switch l {
	case Debug:
		return "DEBG"
	case Info:
		return "INFO"
	case Notice:
		return "NOTI"
	case Warn:
		return "WARN"
	case Error:
		return "ERRO"
	default:
		return fmt.Sprintf("%s", l)
	}
}

func ParseLevel(s string) (Level, error) {
	for _, l := range AllLevels {
		if s == l.String() {
			return l, nil
		}
	}
	return -1, errors.Errorf("unknown log level %q", s)
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(input []byte) error {
	var s string
	if err := json.Unmarshal(input, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
