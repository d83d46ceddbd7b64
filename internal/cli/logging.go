package cli

import (
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/unidata/ldm7up/internal/config"
	"github.com/unidata/ldm7up/internal/logger"
	"github.com/unidata/ldm7up/internal/logging"
	"github.com/unidata/ldm7up/internal/metrics"
)

func buildLogger(cfg *config.Config) (logger.Logger, error) {
	outlets := logger.NewOutlets()
	outlets.Add(metrics.LogOutlet{}, logger.Debug)

	list := []config.LoggingOutletEnum{}
	if cfg.Logging != nil {
		list = *cfg.Logging
	}

	for _, entry := range list {
		switch o := entry.Ret.(type) {
		case config.StderrLoggingOutlet:
			level, err := logger.ParseLevel(o.Level)
			if err != nil {
				return nil, errors.Wrapf(err, "logging outlet %q", o.Type)
			}
			formatter, err := newFormatter(o.Format, o.Time)
			if err != nil {
				return nil, err
			}
			outlets.Add(logging.WriterOutlet{Formatter: formatter, Writer: os.Stderr}, level)
		case config.FileLoggingOutlet:
			level, err := logger.ParseLevel(o.Level)
			if err != nil {
				return nil, errors.Wrapf(err, "logging outlet %q", o.Type)
			}
			formatter, err := newFormatter(o.Format, o.Time)
			if err != nil {
				return nil, err
			}
			fo, err := logging.NewFileOutlet(formatter, o.Filename)
			if err != nil {
				return nil, errors.Wrapf(err, "logging outlet %q", o.Type)
			}
			outlets.Add(fo, level)
		default:
			return nil, errors.Errorf("unhandled logging outlet type %T", o)
		}
	}

	return logger.NewLogger(outlets, 10*time.Second), nil
}

func newFormatter(format string, withTime bool) (logging.Formatter, error) {
	var flags logging.MetadataFlags = logging.MetadataLevel
	if withTime {
		flags |= logging.MetadataTime
	}
	var f logging.Formatter
	switch format {
	case "human", "":
		f = &logging.HumanFormatter{}
	case "logfmt":
		f = &logging.LogfmtFormatter{}
	case "json":
		f = &logging.JSONFormatter{}
	default:
		return nil, errors.Errorf("unknown log format %q", format)
	}
	f.SetMetadataFlags(flags)
	return f, nil
}
