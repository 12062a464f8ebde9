package replication

import (
	"time"

	"go.uber.org/zap"

	"replchat/internal/store"
)

// startElection runs one election attempt: enter CANDIDATE, broadcast
// ELECTION, wait, and self-promote if nothing suppressed us.  Concurrent
// calls on one replica collapse into a single attempt.
func (p *Peer) startElection() {
	p.electionMu.Lock()
	defer p.electionMu.Unlock()

	if r := p.Role(); r == store.RolePrimary || r == store.RoleCandidate {
		return
	}
	if p.stopped() {
		return
	}

	p.log.Info("starting election", zap.String("id", p.opts.ID))
	p.setRole(store.RoleCandidate)
	p.met.ElectionsStarted.Inc()

	if msg, err := encodeEnvelope(cmdElection, electionData{PeerID: p.opts.ID}); err == nil {
		p.enqueue("", msg)
	}

	select {
	case <-p.done:
		return
	case <-time.After(p.opts.Timing.ElectionWait):
	}

	// Still a candidate: no higher-identity replica acknowledged or won in
	// the meantime, so the election is ours.
	if p.Role() == store.RoleCandidate {
		p.becomePrimary()
	}
}

// becomePrimary transitions this replica to PRIMARY: announce ELECTED, pull
// one sync from a live peer so the data is current before writes open, and
// hold the transitioning latch until then.
func (p *Peer) becomePrimary() {
	p.transitioning.Store(true)
	defer p.transitioning.Store(false)

	p.log.Info("becoming primary", zap.String("id", p.opts.ID))
	p.setRole(store.RolePrimary)
	p.met.ElectionsWon.Inc()
	p.met.RolePrimary.Set(1)

	if msg, err := encodeEnvelope(cmdElected, electionData{PeerID: p.opts.ID}); err == nil {
		p.enqueue("", msg)
	}

	requested := p.requestSync()

	select {
	case <-p.done:
		return
	case <-time.After(p.opts.Timing.TransitionGrace):
	}
	if requested {
		// Stay latched until the initial inbound sync lands (or the wait
		// expires, if the chosen peer died underneath us).
		select {
		case <-p.done:
		case <-p.syncDone:
		case <-time.After(p.opts.Timing.ElectionWait):
		}
	}
	p.log.Info("primary transition complete")
}

// becomeBackup demotes this replica, announcing the change to all peers.
func (p *Peer) becomeBackup() {
	p.transitioning.Store(true)
	defer p.transitioning.Store(false)

	p.log.Info("becoming backup", zap.String("id", p.opts.ID))
	p.setRole(store.RoleBackup)
	p.met.RolePrimary.Set(0)

	if msg, err := encodeEnvelope(cmdStateChange, stateChangeData{Role: string(store.RoleBackup)}); err == nil {
		p.enqueue("", msg)
	}

	// Fresh deadline so the failure detector starts from now.
	p.lastBeat.Store(time.Now().UnixNano())

	select {
	case <-p.done:
	case <-time.After(p.opts.Timing.TransitionGrace):
	}
	p.log.Info("backup transition complete")
}

// setRole updates the in-memory role, persists it, and notifies the chat
// core.
func (p *Peer) setRole(r store.Role) {
	p.roleMu.Lock()
	p.role = r
	p.roleMu.Unlock()

	if err := p.st.SetRole(r); err != nil {
		p.log.Error("persist role", zap.Error(err))
	}
	if p.handler != nil {
		p.handler.RoleChanged(r)
	}
}
