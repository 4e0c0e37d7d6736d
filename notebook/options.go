package notebook

import (
	"os"
	"time"

	"github.com/caffeineduck/lectern/hostfunc"
	"github.com/charmbracelet/log"
)

const DefaultTimeout = 30 * time.Second

type Option func(*config)

type config struct {
	timeout  time.Duration
	datasets []hostfunc.Dataset
	logger   *log.Logger
}

func defaultConfig() config {
	return config{
		timeout: DefaultTimeout,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "notebook",
			Level:  log.WarnLevel,
		}),
	}
}

// WithTimeout bounds the execution of each Run. Waiting for the runtime to
// load is not counted. Zero disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDatasets preloads datasets into the guest before user code runs.
func WithDatasets(sets ...hostfunc.Dataset) Option {
	return func(c *config) {
		c.datasets = append(c.datasets, sets...)
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
