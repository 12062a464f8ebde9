// Package server implements the chat core: the client-facing request
// handler of one replica.
//
// Concurrency overview
// --------------------
//
//	Listener goroutine  – accepts TCP connections; one handler goroutine per
//	                      session reads framed requests and executes them
//	Online table        – username → session map guarded by a mutex; mutated
//	                      by handler goroutines and the role-change teardown
//	Store               – serialises its own operations; handlers never
//	                      coordinate around it
//	Replication peer    – every mutation is applied locally, then handed to
//	                      the peer for fan-out to the BACKUPs
//
// Only the PRIMARY executes commands.  A BACKUP answers every request with
// an error reply, and during a role transition requests are refused with a
// server-status notice.
package server

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"replchat/internal/metrics"
	"replchat/internal/protocol"
	"replchat/internal/replication"
	"replchat/internal/store"
)

// Reply bodies.  Clients display these verbatim.
const (
	bodyNotPrimary   = "server is not the primary, cannot serve clients"
	bodyTransition   = "server is in transition, please retry"
	bodyBackupMode   = "server is now in backup mode, please reconnect"
	bodyOpFailed     = "Operation failed"
	bodyNotLoggedIn  = "Not logged in"
	bodyAuthError    = "Username/Password error"
	bodyDupUser      = "Username already exists"
	bodyDupSession   = "Already logged in elsewhere"
	bodyCreated      = "Account created"
	bodyLoggedOut    = "Logged out successfully"
	bodySent         = "Message sent successfully"
	bodyMsgsDeleted  = "Messages deleted"
	bodyUserDeleted  = "Account deleted"
	bodyNoRecipient  = "Recipient does not exist"
	bodyNoIDs        = "No message ids supplied"
	bodyMissingCreds = "Username and password are required"
	bodyMissingSend  = "Message content and recipient are required"
)

// Server executes client commands against the store and replicates every
// mutation through the peer.
type Server struct {
	st    *store.Store
	peer  *replication.Peer
	codec protocol.Codec
	met   *metrics.Registry
	log   *zap.Logger

	listener net.Listener
	connID   atomic.Uint64

	mu     sync.Mutex
	online map[string]*session   // bound username → session
	conns  map[net.Conn]struct{} // every live connection, bound or not

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Server.  Attach it to the peer with peer.SetHandler before
// Start so role changes and remote updates flow in.
func New(st *store.Store, peer *replication.Peer, codec protocol.Codec, met *metrics.Registry, logger *zap.Logger) *Server {
	return &Server{
		st:     st,
		peer:   peer,
		codec:  codec,
		met:    met,
		log:    logger.Named("chat"),
		online: make(map[string]*session),
		conns:  make(map[net.Conn]struct{}),
		done:   make(chan struct{}),
	}
}

// Listen binds the client-facing listener.  Call before Serve.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("chat: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info("chat server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// ListenAndServe binds addr and accepts client connections until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts client connections until Shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil // closed by Shutdown
			default:
				return fmt.Errorf("chat: accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Addr returns the bound client-facing address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes the listener and every client connection — anonymous ones
// included, or their read loops would keep Shutdown waiting forever.  Safe to
// call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.online = make(map[string]*session)
		s.mu.Unlock()
		s.wg.Wait()
	})
}

// serveConn runs one client connection's read loop.
func (s *Server) serveConn(conn net.Conn) {
	id := fmt.Sprintf("conn-%d", s.connID.Add(1))

	// Mid-transition connections are rejected outright.
	if s.peer.Transitioning() {
		_ = protocol.WriteMessage(conn, s.codec, protocol.StatusReply(bodyTransition))
		conn.Close()
		return
	}

	// Register before reading so Shutdown can reach connections that never
	// log in.  A connection accepted after Shutdown started is closed here.
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	sess := newSession(id, conn, s.codec)
	s.log.Debug("client connected", zap.String("conn", id), zap.String("remote", conn.RemoteAddr().String()))

	defer func() {
		if u := sess.boundTo(); u != "" {
			s.unbindOnline(u, sess)
		}
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.log.Debug("client disconnected", zap.String("conn", id))
	}()

	for {
		m, err := protocol.ReadMessage(conn, s.codec)
		if err != nil {
			return
		}
		s.met.CommandsHandled.WithLabelValues(m.Cmd).Inc()

		if s.peer.Transitioning() {
			s.reply(sess, protocol.ErrorReply(m.Cmd, bodyTransition))
			continue
		}
		if s.peer.Role() != store.RolePrimary {
			s.reply(sess, protocol.ErrorReply(m.Cmd, bodyNotPrimary))
			continue
		}

		switch m.Cmd {
		case protocol.CmdCreate:
			s.handleCreate(sess, m)
		case protocol.CmdLogin:
			s.handleLogin(sess, m)
		case protocol.CmdLogoff:
			s.handleLogoff(sess, m)
		case protocol.CmdList:
			s.handleList(sess, m)
		case protocol.CmdSend:
			s.handleSend(sess, m)
		case protocol.CmdDeliver:
			s.handleDeliver(sess, m)
		case protocol.CmdDeleteMsgs:
			s.handleDeleteMsgs(sess, m)
		case protocol.CmdDelete:
			s.handleDelete(sess, m)
		default:
			s.reply(sess, protocol.ErrorReply(m.Cmd, fmt.Sprintf("unknown command %q", m.Cmd)))
		}
	}
}

// reply writes one frame back to the requesting session, logging (not
// propagating) write failures; a dead socket surfaces in the read loop.
func (s *Server) reply(sess *session, m *protocol.Message) {
	if err := sess.write(m); err != nil {
		s.log.Debug("reply write failed", zap.String("conn", sess.id), zap.Error(err))
	}
}

// ---------------------------------------------------------------------------
// Online session table
// ---------------------------------------------------------------------------

// bindOnline claims username for sess.  A session re-authenticating under a
// new name gives up its previous binding first, so a username is never left
// pointing at a connection someone else now owns.
func (s *Server) bindOnline(username string, sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.online[username]; taken {
		return false
	}
	if prev := sess.boundTo(); prev != "" {
		if cur, ok := s.online[prev]; ok && cur == sess {
			delete(s.online, prev)
		}
	}
	s.online[username] = sess
	sess.bind(username)
	s.met.OnlineSessions.Set(float64(len(s.online)))
	return true
}

// unbindOnline removes the binding only when it still belongs to sess, so a
// stale disconnect cannot evict a newer login.
func (s *Server) unbindOnline(username string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.online[username]; ok && cur == sess {
		delete(s.online, username)
		s.met.OnlineSessions.Set(float64(len(s.online)))
	}
	sess.unbind()
}

func (s *Server) lookupOnline(username string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[username]
}

// ---------------------------------------------------------------------------
// Command handlers
// ---------------------------------------------------------------------------

func (s *Server) handleCreate(sess *session, m *protocol.Message) {
	username, password := m.Src, m.Body
	if username == "" || password == "" {
		s.reply(sess, protocol.ErrorReply(protocol.CmdCreate, bodyMissingCreds))
		return
	}

	if err := s.st.AddUser(username, password); err != nil {
		if err == store.ErrDuplicateUser {
			s.reply(sess, protocol.ErrorReply(protocol.CmdCreate, bodyDupUser))
		} else {
			s.log.Error("create user", zap.Error(err))
			s.reply(sess, protocol.ErrorReply(protocol.CmdCreate, bodyOpFailed))
		}
		return
	}
	s.replicate(replication.UpdateAddUser, replication.UserUpdate{Username: username, Password: password})

	// A fresh account is logged in immediately.
	if !s.bindOnline(username, sess) {
		// Unreachable in practice: the username did not exist a moment ago.
		s.log.Warn("session already bound after create", zap.String("user", username))
	}
	s.reply(sess, &protocol.Message{Cmd: protocol.CmdCreate, To: username, Body: bodyCreated})
	s.log.Info("account created", zap.String("user", username))
}

func (s *Server) handleLogin(sess *session, m *protocol.Message) {
	username, password := m.Src, m.Body
	if username == "" || password == "" {
		s.reply(sess, protocol.ErrorReply(protocol.CmdLogin, bodyMissingCreds))
		return
	}

	stored, err := s.st.Password(username)
	if err != nil || stored != password {
		s.reply(sess, protocol.ErrorReply(protocol.CmdLogin, bodyAuthError))
		return
	}
	if !s.bindOnline(username, sess) {
		s.reply(sess, protocol.ErrorReply(protocol.CmdLogin, bodyDupSession))
		return
	}

	unread := 0
	if msgs, err := s.st.Messages(username); err == nil {
		unread = len(msgs)
	}
	s.reply(sess, &protocol.Message{
		Cmd:  protocol.CmdLogin,
		To:   username,
		Body: fmt.Sprintf("Login successful. You have %d unread messages", unread),
	})
	s.log.Info("login", zap.String("user", username), zap.Int("unread", unread))
}

func (s *Server) handleLogoff(sess *session, _ *protocol.Message) {
	username := sess.boundTo()
	if username == "" {
		s.reply(sess, protocol.ErrorReply(protocol.CmdLogoff, bodyNotLoggedIn))
		return
	}
	s.unbindOnline(username, sess)
	s.reply(sess, &protocol.Message{Cmd: protocol.CmdLogoff, Body: bodyLoggedOut})
	s.log.Info("logoff", zap.String("user", username))
}

func (s *Server) handleList(sess *session, m *protocol.Message) {
	users, err := s.st.Users()
	if err != nil {
		s.reply(sess, protocol.ErrorReply(protocol.CmdList, bodyOpFailed))
		return
	}

	pattern := m.Body
	names := make([]string, 0, len(users))
	for u := range users {
		if pattern == "" || pattern == "all" || strings.Contains(u, pattern) {
			names = append(names, u)
		}
	}
	sort.Strings(names)
	s.reply(sess, &protocol.Message{Cmd: protocol.CmdList, Body: strings.Join(names, ",")})
}

func (s *Server) handleSend(sess *session, m *protocol.Message) {
	from, to, body := m.Src, m.To, m.Body
	if to == "" || body == "" {
		s.reply(sess, protocol.ErrorReply(protocol.CmdSend, bodyMissingSend))
		return
	}
	exists, err := s.st.UserExists(to)
	if err != nil {
		s.reply(sess, protocol.ErrorReply(protocol.CmdSend, bodyOpFailed))
		return
	}
	if !exists {
		s.reply(sess, protocol.ErrorReply(protocol.CmdSend, bodyNoRecipient))
		return
	}

	if recip := s.lookupOnline(to); recip != nil {
		// Inline delivery.  The append is replicated before the push so the
		// message holds its queue position on every BACKUP; only a
		// successful push keeps it out of the local queue.
		id := uuid.NewString()
		s.replicate(replication.UpdateAddMessage, replication.MessageUpdate{To: to, From: from, Body: body, MsgID: id})

		notice := &protocol.Message{Cmd: protocol.CmdDeliver, Src: from, Body: body, MsgIDs: []string{id}}
		if err := recip.write(notice); err != nil {
			s.log.Warn("inline delivery failed, queueing", zap.String("to", to), zap.Error(err))
			if err := s.st.PutMessage(to, store.QueuedMessage{ID: id, Sender: from, Body: body}); err != nil {
				s.log.Error("queue fallback", zap.Error(err))
			}
			s.met.MessagesQueued.Inc()
		} else {
			s.met.MessagesInline.Inc()
		}
	} else {
		id, err := s.st.AddMessage(to, from, body)
		if err != nil {
			s.reply(sess, protocol.ErrorReply(protocol.CmdSend, bodyOpFailed))
			return
		}
		s.replicate(replication.UpdateAddMessage, replication.MessageUpdate{To: to, From: from, Body: body, MsgID: id})
		s.met.MessagesQueued.Inc()
	}

	s.reply(sess, &protocol.Message{Cmd: protocol.CmdSend, Body: bodySent})
}

func (s *Server) handleDeliver(sess *session, m *protocol.Message) {
	username := sess.boundTo()
	if username == "" {
		s.reply(sess, protocol.ErrorReply(protocol.CmdDeliver, bodyNotLoggedIn))
		return
	}

	queue, err := s.st.Messages(username)
	if err != nil {
		s.reply(sess, protocol.ErrorReply(protocol.CmdDeliver, bodyOpFailed))
		return
	}

	limit := int(m.Limit)
	emitted := make([]string, 0, len(queue))
	for _, qm := range queue {
		if sess.hasSeen(qm.ID) {
			continue
		}
		if limit > 0 && len(emitted) >= limit {
			break
		}
		frame := &protocol.Message{Cmd: protocol.CmdDeliver, Src: qm.Sender, Body: qm.Body, MsgIDs: []string{qm.ID}}
		if err := sess.write(frame); err != nil {
			// The socket is dying; deliver nothing further and delete only
			// what the client actually received.
			break
		}
		sess.markSeen(qm.ID)
		emitted = append(emitted, qm.ID)
	}

	// Pop mode removes what was emitted; peek mode leaves the queue alone.
	if limit > 0 && len(emitted) > 0 {
		if s.peer.Role() != store.RolePrimary || s.peer.Transitioning() {
			// Lost primacy mid-delivery: skip the delete so no replica
			// diverges, and tell the client its copies are still queued.
			s.reply(sess, &protocol.Message{
				Cmd:  protocol.CmdDeliver,
				Body: fmt.Sprintf("Delivered %d messages (server lost primary role, messages preserved)", len(emitted)),
			})
			return
		}
		if err := s.st.DeleteMessages(username, emitted); err != nil {
			s.log.Error("delete delivered messages", zap.Error(err))
		} else {
			s.replicate(replication.UpdateDeleteMessages, replication.DeleteMessagesUpdate{Username: username, MsgIDs: emitted})
		}
	}

	s.reply(sess, &protocol.Message{Cmd: protocol.CmdDeliver, Body: fmt.Sprintf("Delivered %d messages", len(emitted))})
}

func (s *Server) handleDeleteMsgs(sess *session, m *protocol.Message) {
	username := sess.boundTo()
	if username == "" {
		s.reply(sess, protocol.ErrorReply(protocol.CmdDeleteMsgs, bodyNotLoggedIn))
		return
	}
	if len(m.MsgIDs) == 0 {
		s.reply(sess, protocol.ErrorReply(protocol.CmdDeleteMsgs, bodyNoIDs))
		return
	}

	if err := s.st.DeleteMessages(username, m.MsgIDs); err != nil {
		s.reply(sess, protocol.ErrorReply(protocol.CmdDeleteMsgs, bodyOpFailed))
		return
	}
	s.replicate(replication.UpdateDeleteMessages, replication.DeleteMessagesUpdate{Username: username, MsgIDs: m.MsgIDs})
	s.reply(sess, &protocol.Message{Cmd: protocol.CmdDeleteMsgs, Body: bodyMsgsDeleted})
}

func (s *Server) handleDelete(sess *session, _ *protocol.Message) {
	username := sess.boundTo()
	if username == "" {
		s.reply(sess, protocol.ErrorReply(protocol.CmdDelete, bodyNotLoggedIn))
		return
	}

	if err := s.st.DeleteUser(username); err != nil {
		s.log.Error("delete user", zap.String("user", username), zap.Error(err))
		s.reply(sess, protocol.ErrorReply(protocol.CmdDelete, bodyOpFailed))
		return
	}
	s.replicate(replication.UpdateDeleteUser, replication.UserUpdate{Username: username})
	s.unbindOnline(username, sess)
	s.reply(sess, &protocol.Message{Cmd: protocol.CmdDelete, Body: bodyUserDeleted})
	s.log.Info("account deleted", zap.String("user", username))
}

// replicate fans one applied mutation out to the BACKUPs and waits the
// best-effort ack window.  Failures never abort the command: the periodic
// re-sync reconverges the cluster.
func (s *Server) replicate(t replication.UpdateType, payload any) {
	if err := s.peer.BroadcastUpdate(t, payload); err != nil {
		s.log.Warn("replicate update", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if !s.peer.WaitForAcks() {
		s.log.Debug("replication quorum not confirmed", zap.String("type", string(t)))
	}
}
