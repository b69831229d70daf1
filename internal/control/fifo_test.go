package control

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type recorder struct {
	mu     sync.Mutex
	writes []byte
	fail   byte
}

func (r *recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, p...)
	if p[0] == r.fail {
		return 0, errors.New("rejected")
	}
	return len(p), nil
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.writes)
}

func TestFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "control")
	f, err := NewFIFO(path, t.Logf)
	if err != nil {
		t.Fatalf("NewFIFO() error = %v", err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{fail: '0'}
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, rec) }()

	// A rejected byte does not stop the reader
	for _, s := range []string{"1\n", "0\n", "1 \n"} {
		w, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			t.Fatalf("open for write: %v", err)
		}
		w.WriteString(s)
		w.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.String() != "101" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.String(); got != "101" {
		t.Errorf("writes = %q, want %q", got, "101")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNewFIFOExisting(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "control")
	if _, err := NewFIFO(path, nil); err != nil {
		t.Fatalf("NewFIFO() error = %v", err)
	}
	if _, err := NewFIFO(path, nil); err != nil {
		t.Errorf("NewFIFO() on an existing fifo: %v", err)
	}

	plain := filepath.Join(dir, "plain")
	os.WriteFile(plain, nil, 0644)
	if _, err := NewFIFO(plain, nil); err == nil {
		t.Error("NewFIFO() accepted a regular file")
	}
}

func TestFIFOClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control")
	f, err := NewFIFO(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("fifo not removed")
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
