// Package log implements the optional logrus transports. The console is
// wired up directly in cmd; this hook adds the per-job log file.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

type fileHook struct {
	w         io.Writer
	levels    []logrus.Level
	formatter logrus.Formatter
}

// FileHookFromConfig opens (or creates) the log file at path and returns a
// logrus hook appending entries of the given level and above to it.
func FileHookFromConfig(fs afero.Fs, path string, level logrus.Level) (logrus.Hook, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path must not be empty")
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create log directory: %w", err)
	}
	w, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open log file: %w", err)
	}

	return &fileHook{
		w:      w,
		levels: logrus.AllLevels[:level+1],
		formatter: &logrus.TextFormatter{
			DisableColors: true,
		},
	}, nil
}

func (h *fileHook) Levels() []logrus.Level {
	return h.levels
}

func (h *fileHook) Fire(entry *logrus.Entry) error {
	msg, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.w.Write(msg)
	return err
}
