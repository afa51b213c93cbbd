package replica

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaderFollowerReplication(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	leader, err := NewLeader(addr)
	require.NoError(t, err)
	defer leader.Close()
	assert.True(t, leader.Leader())

	var sink bytes.Buffer
	var mu sync.Mutex
	follower, err := NewFollower(addr, lockedWriter{&mu, &sink})
	require.NoError(t, err)
	defer follower.Close()
	assert.False(t, follower.Leader())

	// Give the accept/hello handshake a moment to land before writing.
	time.Sleep(50 * time.Millisecond)

	w, startPos := leader.Writer()
	assert.Equal(t, int64(0), startPos)
	n, err := w.Write([]byte("redo-record-1"))
	require.NoError(t, err)
	assert.Equal(t, 13, n)

	err = waitUntil(t, 2*time.Second, func() bool {
		return leader.Confirm(13) == nil
	})
	require.NoError(t, err)

	mu.Lock()
	got := sink.String()
	mu.Unlock()
	assert.Equal(t, "redo-record-1", got)
}

func TestFollowerWriterRejectsWrites(t *testing.T) {
	m := &Manager{leader: false}
	m.cond = newCond(m)
	w, _ := m.Writer()
	_, err := w.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestConfirmWithNoFollowersReturnsImmediately(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	leader, err := NewLeader(addr)
	require.NoError(t, err)
	defer leader.Close()

	assert.NoError(t, leader.Confirm(1000))
}

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if cond() {
		return nil
	}
	return assertDeadlineErr
}

var assertDeadlineErr = &deadlineError{}

type deadlineError struct{}

func (*deadlineError) Error() string { return "condition not met before deadline" }

func newCond(m *Manager) *sync.Cond {
	return sync.NewCond(&m.mu)
}
