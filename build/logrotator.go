package build

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

// ErrRotatorOpen is returned when a log file is opened twice on the same
// writer.
var ErrRotatorOpen = errors.New("log rotator already open")

// RotatingLogWriter feeds the log file of the daemon. Until Open succeeds,
// or when the file logger is disabled, writes are dropped.
type RotatingLogWriter struct {
	mu sync.Mutex

	// pipe is the write end the rotator goroutine drains.
	pipe *io.PipeWriter

	rotator *rotator.Rotator

	// done is closed once the rotator goroutine has drained the pipe.
	done chan struct{}

	// path is the active log file, empty while closed.
	path string
}

// NewRotatingLogWriter creates a writer that drops everything until Open is
// called.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// newCompressor returns the compressor roll files are written with.
func newCompressor(name string) (rotator.Compressor, error) {
	switch name {
	case Gzip:
		return gzip.NewWriter(nil), nil

	case Zstd:
		c, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("unable to create zstd "+
				"compressor: %w", err)
		}

		return c, nil

	default:
		return nil, fmt.Errorf("unknown log compressor: %v", name)
	}
}

// Open starts writing to fileName inside logDir, rolling the file over once
// it reaches the configured size. Nothing is created if cfg disables the
// file logger. The writer must be closed on shutdown.
func (r *RotatingLogWriter) Open(cfg *FileLoggerConfig, logDir,
	fileName string) error {

	if cfg.Disable {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pipe != nil {
		return fmt.Errorf("%w: %v", ErrRotatorOpen, r.path)
	}

	// Validate before touching the file system.
	compressor, err := newCompressor(cfg.Compressor)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("unable to create log directory: %w", err)
	}

	path := filepath.Join(logDir, fileName)
	rot, err := rotator.New(
		path, int64(cfg.MaxLogFileSize*1024), false, cfg.MaxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("unable to create file rotator: %w", err)
	}
	rot.SetCompressor(compressor, logCompressors[cfg.Compressor])

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)

		err := rot.Run(pr)
		if err != nil && !errors.Is(err, io.EOF) {
			_, _ = fmt.Fprintf(os.Stderr, "log rotator for %v "+
				"stopped: %v\n", path, err)
		}
	}()

	r.pipe, r.rotator, r.done, r.path = pw, rot, done, path

	return nil
}

// Active returns whether log lines currently reach a file.
func (r *RotatingLogWriter) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.pipe != nil
}

// Write hands b to the rotator, or drops it if no file is open.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	r.mu.Lock()
	pipe := r.pipe
	r.mu.Unlock()

	if pipe == nil {
		return len(b), nil
	}

	return pipe.Write(b)
}

// Close flushes every line written so far to the file and closes it. The
// writer can be opened again afterwards. Closing a writer that is not open
// is a no-op.
func (r *RotatingLogWriter) Close() error {
	r.mu.Lock()
	pipe, rot, done := r.pipe, r.rotator, r.done
	r.pipe, r.rotator, r.done, r.path = nil, nil, nil, ""
	r.mu.Unlock()

	if pipe == nil {
		return nil
	}

	// Closing the pipe ends Run once it has written the buffered lines.
	_ = pipe.Close()
	<-done

	return rot.Close()
}
