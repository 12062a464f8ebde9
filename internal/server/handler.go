package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"replchat/internal/protocol"
	"replchat/internal/replication"
	"replchat/internal/store"
)

// RoleChanged reacts to a replica role transition.  Demotion tears down every
// client session: each one gets a best-effort server-status notice before the
// socket closes, so clients fail over instead of timing out.
func (s *Server) RoleChanged(role store.Role) {
	if role == store.RolePrimary {
		s.log.Info("now serving clients as primary")
		return
	}

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.online))
	for _, sess := range s.online {
		sessions = append(sessions, sess)
	}
	s.online = make(map[string]*session)
	s.met.OnlineSessions.Set(0)
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.write(protocol.StatusReply(bodyBackupMode)); err != nil {
			s.log.Debug("demotion notice failed", zap.String("conn", sess.id), zap.Error(err))
		}
		sess.conn.Close()
	}
	if len(sessions) > 0 {
		s.log.Info("client sessions closed on demotion", zap.Int("count", len(sessions)))
	}
}

// ApplyUpdate applies one replicated mutation from the PRIMARY.  Every case
// tolerates replays: a duplicate user, an already-present message, or an
// already-deleted row leaves the store unchanged.
func (s *Server) ApplyUpdate(t replication.UpdateType, data json.RawMessage) error {
	switch t {
	case replication.UpdateAddUser:
		var u replication.UserUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("chat: decode ADD_USER: %w", err)
		}
		if err := s.st.AddUser(u.Username, u.Password); err != nil && !errors.Is(err, store.ErrDuplicateUser) {
			return err
		}
		return nil

	case replication.UpdateDeleteUser:
		var u replication.UserUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("chat: decode DELETE_USER: %w", err)
		}
		if err := s.st.DeleteUser(u.Username); err != nil && !errors.Is(err, store.ErrUnknownUser) {
			return err
		}
		return nil

	case replication.UpdateAddMessage:
		var u replication.MessageUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("chat: decode ADD_MESSAGE: %w", err)
		}
		return s.st.PutMessage(u.To, store.QueuedMessage{ID: u.MsgID, Sender: u.From, Body: u.Body})

	case replication.UpdateDeleteMessages:
		var u replication.DeleteMessagesUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("chat: decode DELETE_MESSAGES: %w", err)
		}
		return s.st.DeleteMessages(u.Username, u.MsgIDs)

	default:
		return fmt.Errorf("chat: unknown update type %q", t)
	}
}
