package logging

import (
	"github.com/hashicorp/go-hclog"
)

// HCLog returns an hclog.Logger that writes to the same destination as l.
// go-plugin requires an hclog.Logger for the host side of a plugin connection
// and forwards the child process's stderr through it.
func (l *Logger) HCLog(name string) hclog.Logger {
	level := hclog.Info
	if l.debug {
		level = hclog.Debug
	}

	color := hclog.AutoColor
	if l.noColor {
		color = hclog.ColorOff
	}

	if l.component != "" {
		name = l.component + "." + name
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  level,
		Output: &lockedWriter{l: l},
		Color:  color,
	})
}

// lockedWriter serializes hclog output with the logger's own writes.
type lockedWriter struct {
	l *Logger
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	return w.l.out.Write(p)
}
