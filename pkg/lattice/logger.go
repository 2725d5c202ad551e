package lattice

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// levelWriter filters a writer to a minimum level so stdout and the log file
// can run at different verbosities.
type levelWriter struct {
	w io.Writer
	l zerolog.Level
	m sync.Mutex
}

var _ zerolog.LevelWriter = (*levelWriter)(nil)

func (wl *levelWriter) Write(p []byte) (int, error) {
	wl.m.Lock()
	defer wl.m.Unlock()
	return wl.w.Write(p)
}

func (wl *levelWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < wl.l {
		return len(p), nil
	}
	wl.m.Lock()
	defer wl.m.Unlock()
	if lw, ok := wl.w.(zerolog.LevelWriter); ok {
		return lw.WriteLevel(l, p)
	}
	return wl.w.Write(p)
}

// Logger builds the process logger from the config: optionally pretty
// stdout, optionally a file at its own level.
func (c *Config) Logger() (zerolog.Logger, error) {
	var writers []io.Writer
	if c.LogStdout {
		var w io.Writer = os.Stdout
		if c.LogStdoutPretty {
			w = zerolog.NewConsoleWriter()
		}
		writers = append(writers, w)
	}
	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, &levelWriter{w: f, l: c.LogFileLevel})
	}
	if len(writers) == 0 {
		return zerolog.Nop(), nil
	}
	return zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(c.LogLevel).With().Timestamp().Logger(), nil
}

// HandleSIGHUP reloads the reloadable bits: currently the IP2Location
// database.
func (s *Session) HandleSIGHUP() {
	if err := s.geoDB.Load(""); err == nil {
		s.Logger.Info().Msg("reloaded ip2location database")
	}
}
