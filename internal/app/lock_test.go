package app

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireInstanceLock(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, pidFileName))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	lock.Release()
	_, err = os.Stat(filepath.Join(dir, pidFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestSecondAcquireFailsWhileAlive(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireInstanceLock(dir)
	require.NoError(t, err)
	defer lock.Release()

	// The recorded PID (ours) is alive, so a second acquire aborts.
	_, err = AcquireInstanceLock(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another instance")
}

func TestStalePidFileIsOverwritten(t *testing.T) {
	dir := t.TempDir()
	// PID 1<<22 is above the default kernel pid_max: not alive.
	require.NoError(t, os.WriteFile(filepath.Join(dir, pidFileName), []byte("4194304"), 0o644))

	lock, err := AcquireInstanceLock(dir)
	require.NoError(t, err)
	lock.Release()
}

func TestGarbagePidFileIsOverwritten(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, pidFileName), []byte("not a pid"), 0o644))

	lock, err := AcquireInstanceLock(dir)
	require.NoError(t, err)
	lock.Release()
}

func TestReleaseLeavesForeignPidFile(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireInstanceLock(dir)
	require.NoError(t, err)

	// Another process overwrote the file; Release must leave it alone.
	path := filepath.Join(dir, pidFileName)
	require.NoError(t, os.WriteFile(path, []byte("99999999"), 0o644))
	lock.Release()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
