//go:build linux

package poll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPoller_ReadWriteReadiness(t *testing.T) {
	p, err := Open(8)
	require.NoError(t, err)
	defer p.Close()

	a, b := socketPair(t)
	require.NoError(t, p.Add(a, 7, Read))

	events, woke, err := p.Wait(0)
	require.NoError(t, err)
	assert.False(t, woke)
	assert.Empty(t, events)

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)
	events, _, err = p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, a, events[0].Fd)
	assert.Equal(t, uint32(7), events[0].Gen)
	assert.True(t, events[0].Readable)

	require.NoError(t, p.Mod(a, 8, Write))
	events, _, err = p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Writable)
	assert.Equal(t, uint32(8), events[0].Gen)

	require.NoError(t, p.Del(a))
	events, _, err = p.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPoller_Hangup(t *testing.T) {
	p, err := Open(8)
	require.NoError(t, err)
	defer p.Close()

	a, b := socketPair(t)
	require.NoError(t, p.Add(a, 1, 0))
	require.NoError(t, unix.Shutdown(b, unix.SHUT_RDWR))

	events, _, err := p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Hangup)
}

func TestPoller_Wake(t *testing.T) {
	p, err := Open(8)
	require.NoError(t, err)
	defer p.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = p.Wake()
	}()
	start := time.Now()
	_, woke, err := p.Wait(5000)
	require.NoError(t, err)
	assert.True(t, woke)
	assert.Less(t, time.Since(start), 4*time.Second)

	// The wakeup is consumed.
	_, woke, err = p.Wait(0)
	require.NoError(t, err)
	assert.False(t, woke)
}
