package replica

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/cojen/tupl"
)

// ErrNotLeader is returned by a follower's Writer sink: redo bytes may only
// be produced by the current leader.
var ErrNotLeader = errors.New("replica: not the leader")

// Manager implements tupl.ReplicationManager over a set of plain TCP (or
// any net.Conn) peers. One process runs it in leader mode, accepting
// follower connections and broadcasting every appended byte to them;
// the rest run it in follower mode, each holding one connection back to
// the leader and acking the position it has durably applied locally.
type Manager struct {
	memberID uuid.UUID

	mu        sync.Mutex
	leader    bool
	position  int64 // bytes accepted so far (leader) or applied so far (follower)
	followers map[*followerConn]struct{}
	cond      *sync.Cond

	listener net.Listener
	leaderConn net.Conn // follower's connection back to the leader

	applySink io.Writer // follower only: where received redo bytes are written locally

	closed bool
}

type followerConn struct {
	conn   net.Conn
	id     uuid.UUID
	mu     sync.Mutex
	acked  int64
}

// NewLeader starts listening on addr and returns a Manager that broadcasts
// appended redo bytes to every follower that connects.
func NewLeader(addr string) (*Manager, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		memberID:  uuid.New(),
		leader:    true,
		followers: make(map[*followerConn]struct{}),
		listener:  l,
	}
	m.cond = sync.NewCond(&m.mu)
	go m.acceptLoop()
	return m, nil
}

// NewFollower dials a leader at addr and applies every redo byte it streams
// to sink, acking its position back so the leader's Confirm can unblock.
func NewFollower(addr string, sink io.Writer) (*Manager, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		memberID:   uuid.New(),
		leader:     false,
		leaderConn: conn,
		applySink:  sink,
	}
	m.cond = sync.NewCond(&m.mu)
	if err := writeFrame(conn, opHello, m.memberID[:]); err != nil {
		conn.Close()
		return nil, err
	}
	go m.followLoop()
	return m, nil
}

// Leader reports whether this instance may currently accept writes.
func (m *Manager) Leader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader
}

// Writer returns a sink that appends to the replication stream; for a
// follower every write fails with ErrNotLeader since only the leader
// originates redo bytes.
func (m *Manager) Writer() (io.Writer, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*leaderSink)(m), m.position
}

// Confirm blocks until every connected follower has acked at least
// position. A leader with no followers confirms immediately: replication
// degrades to a no-op rather than stalling commits when nothing is
// attached.
func (m *Manager) Confirm(position int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.leader {
		return nil
	}
	for {
		if m.closed {
			return io.ErrClosedPipe
		}
		allAcked := true
		for f := range m.followers {
			f.mu.Lock()
			acked := f.acked
			f.mu.Unlock()
			if acked < position {
				allAcked = false
				break
			}
		}
		if allAcked {
			return nil
		}
		m.cond.Wait()
	}
}

// Close releases the replication channel's resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	if m.listener != nil {
		m.listener.Close()
	}
	if m.leaderConn != nil {
		m.leaderConn.Close()
	}
	for f := range m.followers {
		f.conn.Close()
	}
	m.cond.Broadcast()
	m.mu.Unlock()
	return nil
}

// leaderSink is the io.Writer Writer() hands back; broadcasting happens on
// every Write call so followers stay close to the leader's position.
type leaderSink Manager

func (s *leaderSink) Write(p []byte) (int, error) {
	m := (*Manager)(s)
	m.mu.Lock()
	if !m.leader {
		m.mu.Unlock()
		return 0, ErrNotLeader
	}
	if len(p) > maxPayload {
		m.mu.Unlock()
		return 0, errors.New("replica: redo write exceeds the frame payload limit")
	}
	conns := make([]*followerConn, 0, len(m.followers))
	for f := range m.followers {
		conns = append(conns, f)
	}
	m.position += int64(len(p))
	m.mu.Unlock()

	for _, f := range conns {
		f.mu.Lock()
		err := writeFrame(f.conn, opAppend, p)
		f.mu.Unlock()
		if err != nil {
			m.dropFollower(f)
		}
	}
	return len(p), nil
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		op, payload, err := readFrame(conn)
		if err != nil || op != opHello || len(payload) != 16 {
			conn.Close()
			continue
		}
		id, err := uuid.FromBytes(payload)
		if err != nil {
			conn.Close()
			continue
		}
		f := &followerConn{conn: conn, id: id}
		m.mu.Lock()
		m.followers[f] = struct{}{}
		m.mu.Unlock()
		go m.readAcks(f)
	}
}

func (m *Manager) readAcks(f *followerConn) {
	defer m.dropFollower(f)
	for {
		op, payload, err := readFrame(f.conn)
		if err != nil {
			return
		}
		if op != opConfirm || len(payload) != 8 {
			continue
		}
		f.mu.Lock()
		f.acked = int64(binary.BigEndian.Uint64(payload))
		f.mu.Unlock()
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	}
}

func (m *Manager) dropFollower(f *followerConn) {
	m.mu.Lock()
	if _, ok := m.followers[f]; ok {
		delete(m.followers, f)
		f.conn.Close()
		m.cond.Broadcast()
	}
	m.mu.Unlock()
}

// followLoop applies opAppend frames from the leader to applySink and acks
// the new position back after each one.
func (m *Manager) followLoop() {
	for {
		op, payload, err := readFrame(m.leaderConn)
		if err != nil {
			return
		}
		if op != opAppend {
			continue
		}
		if _, err := m.applySink.Write(payload); err != nil {
			return
		}
		m.mu.Lock()
		m.position += int64(len(payload))
		pos := m.position
		m.mu.Unlock()

		ack := make([]byte, 8)
		binary.BigEndian.PutUint64(ack, uint64(pos))
		if err := writeFrame(m.leaderConn, opConfirm, ack); err != nil {
			return
		}
	}
}

var _ tupl.ReplicationManager = (*Manager)(nil)
