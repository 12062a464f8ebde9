package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"replchat/internal/store"
)

// Bulk state-transfer chunk types.
const (
	syncUsers    = "USERS"
	syncMessages = "MESSAGES"
)

// syncMessage is one queued message inside a MESSAGES chunk.
type syncMessage struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
	Body   string `json:"body"`
}

// pushSync streams the full local state to one peer: SYNC_DATA{USERS},
// SYNC_DATA{MESSAGES}, then SYNC_COMPLETE.  Frames are written directly on
// the link, bypassing the outbound queue, so a large transfer cannot starve
// heartbeats of queue slots.
func (p *Peer) pushSync(l *link) {
	users, err := p.st.Users()
	if err != nil {
		p.log.Error("sync: read users", zap.Error(err))
		return
	}

	messages := make(map[string][]syncMessage, len(users))
	for username := range users {
		queue, err := p.st.Messages(username)
		if err != nil {
			p.log.Error("sync: read queue", zap.String("user", username), zap.Error(err))
			return
		}
		chunk := make([]syncMessage, 0, len(queue))
		for _, m := range queue {
			chunk = append(chunk, syncMessage{ID: m.ID, Sender: m.Sender, Body: m.Body})
		}
		messages[username] = chunk
	}

	send := func(chunkType string, data any) error {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		env, err := encodeEnvelope(cmdSyncData, syncData{Type: chunkType, Data: raw})
		if err != nil {
			return err
		}
		return l.send(env)
	}

	if err := send(syncUsers, users); err != nil {
		p.log.Warn("sync push failed", zap.String("peer", l.id), zap.Error(err))
		return
	}
	if err := send(syncMessages, messages); err != nil {
		p.log.Warn("sync push failed", zap.String("peer", l.id), zap.Error(err))
		return
	}
	done, err := encodeEnvelope(cmdSyncComplete, map[string]float64{
		"timestamp": float64(time.Now().UnixNano()) / float64(time.Second),
	})
	if err == nil {
		if err := l.send(done); err != nil {
			p.log.Warn("sync push failed", zap.String("peer", l.id), zap.Error(err))
			return
		}
	}
	p.log.Info("sync pushed", zap.String("peer", l.id), zap.Int("users", len(users)))
}

// requestSync asks an arbitrary live peer for a full state transfer.
// Reports whether a request went out (false when no peer is connected).
func (p *Peer) requestSync() bool {
	p.linksMu.Lock()
	var target *link
	for _, l := range p.links {
		target = l
		break
	}
	p.linksMu.Unlock()
	if target == nil {
		p.log.Info("no live peer to request sync from")
		return false
	}

	// Drain a stale completion signal so the caller waits on this pull.
	select {
	case <-p.syncDone:
	default:
	}

	req, err := encodeEnvelope(cmdSyncRequest, struct{}{})
	if err != nil {
		return false
	}
	if err := target.send(req); err != nil {
		p.log.Warn("sync request failed", zap.String("peer", target.id), zap.Error(err))
		return false
	}
	p.log.Info("sync requested", zap.String("peer", target.id))
	return true
}

// applySyncData merges one inbound chunk idempotently: users missing locally
// are added, messages are inserted only when their id is not already
// present.  Nothing is ever removed, so replaying a chunk is a no-op.
func (p *Peer) applySyncData(sd syncData) error {
	switch sd.Type {
	case syncUsers:
		var users map[string]string
		if err := json.Unmarshal(sd.Data, &users); err != nil {
			return fmt.Errorf("replication: decode USERS chunk: %w", err)
		}
		for username, password := range users {
			exists, err := p.st.UserExists(username)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if err := p.st.AddUser(username, password); err != nil && !errors.Is(err, store.ErrDuplicateUser) {
				return err
			}
		}
		return nil

	case syncMessages:
		var messages map[string][]syncMessage
		if err := json.Unmarshal(sd.Data, &messages); err != nil {
			return fmt.Errorf("replication: decode MESSAGES chunk: %w", err)
		}
		for username, queue := range messages {
			for _, m := range queue {
				qm := store.QueuedMessage{ID: m.ID, Sender: m.Sender, Body: m.Body}
				if err := p.st.PutMessage(username, qm); err != nil {
					return err
				}
			}
		}
		return nil

	default:
		return fmt.Errorf("replication: unknown sync chunk type %q", sd.Type)
	}
}
