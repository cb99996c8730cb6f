package torrent

import (
	"io"
	"log"
)

type logging interface {
	Println(v ...any)
	Printf(format string, v ...any)
	Print(v ...any)
}

type discard struct{}

func (discard) Output(int, string) error {
	return nil
}

func (discard) Println(v ...any) {}

func (discard) Printf(format string, v ...any) {}

func (discard) Print(v ...any) {}

type logoutput interface {
	Writer() io.Writer
}

// newlogger uses the provided logger as a base when possible, otherwise
// falls back to a discarding logger.
func newlogger(l logging, prefix string, flags int) *log.Logger {
	if lo, ok := l.(logoutput); ok {
		return log.New(lo.Writer(), prefix, flags)
	}

	return log.New(io.Discard, prefix, log.Flags())
}

// LogDiscard returns a logger that drops everything written to it.
func LogDiscard() discard {
	return discard{}
}
