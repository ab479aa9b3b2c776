package daemon

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stalePID is above the default pid_max on Linux and macOS.
const stalePID = "4194304"

func writePID(t *testing.T, content string) *PIDFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), PIDFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return NewPIDFile(path)
}

func TestPIDFile_Write(t *testing.T) {
	// Given: a PID file in a missing directory
	path := filepath.Join(t.TempDir(), "nested", "deep", PIDFileName)
	pf := NewPIDFile(path)

	// When: writing
	require.NoError(t, pf.Write())

	// Then: the file holds the current PID and no temp file is left
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPIDFile_Read(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{"plain", "12345", 12345, false},
		{"trailing newline", "1234\n", 1234, false},
		{"garbage", "not-a-number", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pid, err := writePID(t, tt.content).Read()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, pid)
		})
	}
}

func TestPIDFile_Read_NotExists(t *testing.T) {
	_, err := NewPIDFile(filepath.Join(t.TempDir(), PIDFileName)).Read()

	assert.ErrorIs(t, err, ErrPIDFileNotFound)
}

func TestPIDFile_Release(t *testing.T) {
	t.Run("own pid is removed", func(t *testing.T) {
		pf := writePID(t, strconv.Itoa(os.Getpid()))

		require.NoError(t, pf.Release())

		_, err := os.Stat(pf.Path())
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("foreign pid is kept", func(t *testing.T) {
		pf := writePID(t, "12345")

		require.NoError(t, pf.Release())

		_, err := os.Stat(pf.Path())
		assert.NoError(t, err)
	})

	t.Run("garbage is removed", func(t *testing.T) {
		pf := writePID(t, "garbage")

		require.NoError(t, pf.Release())

		_, err := os.Stat(pf.Path())
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("missing file", func(t *testing.T) {
		assert.NoError(t, NewPIDFile(filepath.Join(t.TempDir(), PIDFileName)).Release())
	})
}

func TestPIDFile_IsRunning(t *testing.T) {
	assert.True(t, writePID(t, strconv.Itoa(os.Getpid())).IsRunning())
	assert.False(t, writePID(t, stalePID).IsRunning())
	assert.False(t, writePID(t, "0").IsRunning())
	assert.False(t, NewPIDFile(filepath.Join(t.TempDir(), PIDFileName)).IsRunning())
}

func TestPIDFile_Signal(t *testing.T) {
	// Signal 0 only checks that the process exists
	assert.NoError(t, writePID(t, strconv.Itoa(os.Getpid())).Signal(syscall.Signal(0)))
	assert.Error(t, writePID(t, stalePID).Signal(syscall.Signal(0)))
}

func TestPIDFile_Acquire(t *testing.T) {
	t.Run("fresh file", func(t *testing.T) {
		pf := NewPIDFile(filepath.Join(t.TempDir(), PIDFileName))
		require.NoError(t, pf.Acquire())

		pid, err := pf.Read()
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("stale pid is replaced", func(t *testing.T) {
		pf := writePID(t, stalePID)

		require.NoError(t, pf.Acquire())

		pid, err := pf.Read()
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("own pid is accepted", func(t *testing.T) {
		pf := NewPIDFile(filepath.Join(t.TempDir(), PIDFileName))
		require.NoError(t, pf.Write())
		assert.NoError(t, pf.Acquire())
	})

	t.Run("live process refuses", func(t *testing.T) {
		err := writePID(t, strconv.Itoa(os.Getppid())).Acquire()
		assert.ErrorIs(t, err, ErrAlreadyRunning)
	})
}

func TestPIDFile_Stop(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	// Given: a child process recorded in the PID file
	child := exec.Command(sleep, "30")
	require.NoError(t, child.Start())
	done := make(chan struct{})
	go func() {
		_ = child.Wait()
		close(done)
	}()
	pf := writePID(t, strconv.Itoa(child.Process.Pid))

	// When: stopping it
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pid, err := pf.Stop(ctx)

	// Then: the child exited
	require.NoError(t, err)
	assert.Equal(t, child.Process.Pid, pid)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("child still running")
	}
}

func TestPIDFile_Stop_NoProcess(t *testing.T) {
	_, err := writePID(t, stalePID).Stop(context.Background())
	assert.Error(t, err)

	_, err = NewPIDFile(filepath.Join(t.TempDir(), PIDFileName)).Stop(context.Background())
	assert.ErrorIs(t, err, ErrPIDFileNotFound)
}
