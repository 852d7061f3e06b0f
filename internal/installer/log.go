// Package installer sequences the installation stages and owns the run's
// log file, lock and summary.
package installer

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"neonzfs/installer/internal/config"
)

// OpenLog opens path for appending. When that fails the file is created in
// the working directory instead. The path actually opened is returned.
func OpenLog(path string) (*os.File, string, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		return f, path, nil
	}
	fallback := filepath.Base(path)
	f, ferr := os.OpenFile(fallback, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if ferr != nil {
		return nil, "", err
	}
	return f, fallback, nil
}

func Logger(cfg config.Config, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(w).Level(cfg.LogLevel).With().Timestamp().Logger()
}
