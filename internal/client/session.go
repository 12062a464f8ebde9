// Package client implements the replica-aware client session: one logical
// connection that hops between the configured replicas as they fail or
// demote, queueing outbound requests while no replica is reachable.
package client

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"replchat/internal/protocol"
)

// ErrDisconnected is returned by Poll while no replica connection is up.
var ErrDisconnected = errors.New("client: not connected to any replica")

const dialTimeout = 3 * time.Second

// Options configures a Session.
type Options struct {
	// Servers lists replica addresses in rotation order.  At least one is
	// required.
	Servers []string
	Codec   protocol.Codec
	// QueueLimit caps the offline request queue; 0 means unbounded.  When
	// the cap is hit the oldest queued request is dropped.
	QueueLimit int
	Logger     *zap.Logger
}

// Session is a failover connection to the replica cluster.  Safe for
// concurrent use: the TUI sends from its update loop while a poller
// goroutine reads.
type Session struct {
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	conn net.Conn
	idx  int // next replica to try

	queue []*protocol.Message

	bo          *backoff.ExponentialBackOff
	nextAttempt time.Time
}

// New creates a Session.  No connection is attempted until the first Send or
// Poll.
func New(opts Options) (*Session, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("client: no replica addresses configured")
	}
	if opts.Codec == nil {
		opts.Codec = protocol.JSONCodec{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // retry forever

	return &Session{
		opts: opts,
		log:  opts.Logger.Named("client"),
		bo:   bo,
	}, nil
}

// Connected reports whether a replica connection is currently up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Queued returns the number of requests waiting for a reconnect.
func (s *Session) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close drops the current connection, if any.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropConn()
}

// Send writes m to the current replica, reconnecting first if needed.  While
// every replica is unreachable the request is queued in FIFO order and Send
// reports false; queued requests flush, oldest first, on the next successful
// connect.
func (s *Session) Send(m *protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureConn() {
		s.push(m)
		return false
	}
	if err := protocol.WriteMessage(s.conn, s.opts.Codec, m); err != nil {
		s.log.Warn("send failed, queueing", zap.String("cmd", m.Cmd), zap.Error(err))
		s.dropConn()
		s.push(m)
		return false
	}
	return true
}

// Poll reads one frame with a short deadline.  It returns (nil, nil) when no
// frame arrived within the deadline, and ErrDisconnected when no replica is
// reachable.  A server-status error frame means the replica stopped serving;
// the connection is dropped so the next call rotates onward, and the frame
// is handed to the caller for display.
func (s *Session) Poll() (*protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureConn() {
		return nil, ErrDisconnected
	}

	s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	m, err := protocol.ReadMessage(s.conn, s.opts.Codec)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		s.log.Info("replica connection lost", zap.Error(err))
		s.dropConn()
		return nil, ErrDisconnected
	}

	if m.Cmd == protocol.CmdServerStatus && m.Error {
		s.log.Info("replica stopped serving, rotating", zap.String("notice", m.Body))
		s.dropConn()
	}
	return m, nil
}

// ensureConn returns true when a connection is up, dialling the next replica
// in rotation if the backoff gate allows an attempt.
func (s *Session) ensureConn() bool {
	if s.conn != nil {
		return true
	}
	if time.Now().Before(s.nextAttempt) {
		return false
	}

	addr := s.opts.Servers[s.idx%len(s.opts.Servers)]
	s.idx++
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		wait := s.bo.NextBackOff()
		s.nextAttempt = time.Now().Add(wait)
		s.log.Debug("replica dial failed", zap.String("addr", addr), zap.Duration("retry_in", wait))
		return false
	}

	s.conn = conn
	s.bo.Reset()
	s.nextAttempt = time.Time{}
	s.log.Info("connected to replica", zap.String("addr", addr))
	s.flush()
	return s.conn != nil
}

// flush replays the offline queue in order; a failed write re-queues the
// request at the head and drops the connection.
func (s *Session) flush() {
	for len(s.queue) > 0 {
		head := s.queue[0]
		if err := protocol.WriteMessage(s.conn, s.opts.Codec, head); err != nil {
			s.log.Warn("queue flush interrupted", zap.Error(err))
			s.dropConn()
			return
		}
		s.queue = s.queue[1:]
	}
}

func (s *Session) push(m *protocol.Message) {
	if s.opts.QueueLimit > 0 && len(s.queue) >= s.opts.QueueLimit {
		s.log.Warn("offline queue full, dropping oldest", zap.String("dropped_cmd", s.queue[0].Cmd))
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, m)
}

func (s *Session) dropConn() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
