package control

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FIFO is a named pipe whose bytes are written one by one to a control
// surface. Whitespace is skipped so that `echo 1 > fifo` works.
type FIFO struct {
	path   string
	logger func(string, ...interface{})
}

// NewFIFO creates the pipe at path unless a pipe already exists there
func NewFIFO(path string, logger func(string, ...interface{})) (*FIFO, error) {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}

	if fi, err := os.Stat(path); err == nil {
		if fi.Mode()&os.ModeNamedPipe == 0 {
			return nil, errors.Errorf("%s exists and is not a fifo", path)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create fifo directory")
		}
		if err := unix.Mkfifo(path, 0620); err != nil {
			return nil, errors.Wrapf(err, "failed to create fifo %s", path)
		}
	}

	return &FIFO{path: path, logger: logger}, nil
}

// Run feeds w until ctx is done
func (f *FIFO) Run(ctx context.Context, w io.Writer) error {
	// Opened read-write so that writers closing the pipe do not produce EOF
	file, err := os.OpenFile(f.path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open fifo %s", f.path)
	}

	go func() {
		<-ctx.Done()
		file.Close()
	}()

	buf := make([]byte, 64)
	for {
		n, err := file.Read(buf)
		for _, b := range buf[:n] {
			switch b {
			case ' ', '\t', '\r', '\n':
				continue
			}
			if _, werr := w.Write([]byte{b}); werr != nil {
				f.log("write %q: %v", b, werr)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fifo read failed")
		}
	}
}

// Close removes the pipe
func (f *FIFO) Close() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove fifo")
	}
	return nil
}

func (f *FIFO) log(format string, args ...interface{}) {
	f.logger("[CTL] "+format, args...)
}
