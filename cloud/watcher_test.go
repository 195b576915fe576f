package cloud

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWatcher_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.ply")
	require.NoError(t, os.WriteFile(path, []byte(plyPlain), 0644))

	fw, err := NewFileWatcher(50*time.Millisecond, nil)
	require.NoError(t, err)
	defer fw.Close()

	var calls atomic.Int32
	fired := make(chan string, 4)
	require.NoError(t, fw.Watch(path, func(name string) {
		calls.Add(1)
		fired <- name
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(plyPlain), 0644))
	}

	select {
	case name := <-fired:
		abs, _ := filepath.Abs(path)
		assert.Equal(t, abs, name)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not called")
	}

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFileWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.ply")
	require.NoError(t, os.WriteFile(path, []byte(plyPlain), 0644))

	fw, err := NewFileWatcher(20*time.Millisecond, nil)
	require.NoError(t, err)
	defer fw.Close()

	var calls atomic.Int32
	require.NoError(t, fw.Watch(path, func(string) { calls.Add(1) }))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.ply"), []byte("x"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestFileWatcher_CloseStopsPendingCallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.ply")
	require.NoError(t, os.WriteFile(path, []byte(plyPlain), 0644))

	fw, err := NewFileWatcher(200*time.Millisecond, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, fw.Watch(path, func(string) { calls.Add(1) }))
	require.NoError(t, os.WriteFile(path, []byte(plyPlain), 0644))
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, fw.Close())
	require.NoError(t, fw.Close(), "second close")
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestFileWatcher_WatchMissingDirectory(t *testing.T) {
	fw, err := NewFileWatcher(DefaultDebounce, nil)
	require.NoError(t, err)
	defer fw.Close()

	err = fw.Watch(filepath.Join(t.TempDir(), "nope", "scan.ply"), func(string) {})
	assert.Error(t, err)
}
