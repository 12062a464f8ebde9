// Package replication keeps a cluster of chat replicas convergent.  Each
// replica runs one Peer: it maintains a logical TCP link to every configured
// peer, exchanges heartbeats, runs leader election with a highest-identity
// tie-break, applies inbound data updates, and — on the PRIMARY — broadcasts
// every local mutation to all BACKUPs.
//
// Concurrency overview
// --------------------
//
//	acceptLoop    – accepts inbound peer links; one reader goroutine per link
//	dialLoop      – (re)establishes outbound links to configured peers
//	senderLoop    – single consumer of the outbound frame queue; all fan-out
//	                writes are serialised here
//	heartbeatLoop – emits HEARTBEAT to all peers while PRIMARY
//	monitorLoop   – failure detection on BACKUPs, periodic re-sync on the
//	                PRIMARY
package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"replchat/internal/metrics"
	"replchat/internal/protocol"
	"replchat/internal/store"
)

// Handler receives the two callbacks the chat core consumes: role changes
// and remote mutations.  The core is constructed after the Peer and attached
// with SetHandler, which breaks the core↔replication construction cycle.
type Handler interface {
	RoleChanged(role store.Role)
	ApplyUpdate(t UpdateType, data json.RawMessage) error
}

// PeerAddr identifies one configured peer replica.
type PeerAddr struct {
	ID   string
	Addr string
}

// Timing groups every protocol interval.  Tests shrink these.
type Timing struct {
	Heartbeat       time.Duration // PRIMARY heartbeat interval
	ElectionTimeout time.Duration // heartbeat staleness before a miss is counted
	ElectionWait    time.Duration // candidate's self-promotion wait
	AckWait         time.Duration // best-effort pause after a broadcast update
	SyncInterval    time.Duration // periodic PRIMARY → BACKUP re-sync
	TransitionGrace time.Duration // latch duration around role changes
	MaxMissedBeats  int           // misses before an election starts
}

// DefaultTiming returns the production intervals.
func DefaultTiming() Timing {
	return Timing{
		Heartbeat:       time.Second,
		ElectionTimeout: 3 * time.Second,
		ElectionWait:    time.Second,
		AckWait:         100 * time.Millisecond,
		SyncInterval:    60 * time.Second,
		TransitionGrace: 500 * time.Millisecond,
		MaxMissedBeats:  3,
	}
}

// Options configures a Peer.
type Options struct {
	ID         string // cluster-unique identity; election tie-break key
	ListenAddr string // peer-facing listener
	Peers      []PeerAddr
	Timing     Timing
}

type outFrame struct {
	target  string // peer id, or "" for all
	payload []byte
}

// link is one live connection to another replica.
type link struct {
	id   string
	conn net.Conn

	// Last role the peer announced (HELLO or STATE_CHANGE).
	roleMu sync.Mutex
	role   string

	// Serialises frame writes so the sender loop and direct sync pushes
	// never interleave.
	wmu sync.Mutex
}

func (l *link) send(payload []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return protocol.WriteFrame(l.conn, payload)
}

func (l *link) setRole(r string) {
	l.roleMu.Lock()
	l.role = r
	l.roleMu.Unlock()
}

func (l *link) getRole() string {
	l.roleMu.Lock()
	defer l.roleMu.Unlock()
	return l.role
}

// Peer is the replication component of one replica.
type Peer struct {
	opts Options
	st   *store.Store
	met  *metrics.Registry
	log  *zap.Logger

	handler Handler

	roleMu sync.Mutex
	role   store.Role

	transitioning atomic.Bool

	linksMu sync.Mutex
	links   map[string]*link

	outbound chan outFrame

	lastBeat atomic.Int64 // unix nanos of the latest HEARTBEAT
	lastSync atomic.Int64 // unix nanos of the latest completed sync

	// Signalled on SYNC_COMPLETE; drained before a fresh pull.
	syncDone chan struct{}

	electionMu sync.Mutex

	listener net.Listener
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Peer.  Call SetHandler before Start.
func New(opts Options, st *store.Store, met *metrics.Registry, logger *zap.Logger) *Peer {
	if opts.Timing.Heartbeat == 0 {
		opts.Timing = DefaultTiming()
	}
	return &Peer{
		opts:     opts,
		st:       st,
		met:      met,
		log:      logger.Named("replication"),
		links:    make(map[string]*link),
		outbound: make(chan outFrame, 256),
		syncDone: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// SetHandler attaches the chat core's callbacks.
func (p *Peer) SetHandler(h Handler) { p.handler = h }

// Role returns the current replica role.
func (p *Peer) Role() store.Role {
	p.roleMu.Lock()
	defer p.roleMu.Unlock()
	return p.role
}

// Transitioning reports whether a role change is in flight; the chat core
// refuses client commands while it is set.
func (p *Peer) Transitioning() bool { return p.transitioning.Load() }

// Start loads the persisted role, opens the peer listener, and launches the
// protocol goroutines.
func (p *Peer) Start() error {
	role, err := p.st.Role()
	if err != nil {
		return fmt.Errorf("replication: load role: %w", err)
	}
	p.roleMu.Lock()
	p.role = role
	p.roleMu.Unlock()
	if role == store.RolePrimary {
		p.met.RolePrimary.Set(1)
	}

	ln, err := net.Listen("tcp", p.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("replication: listen %s: %w", p.opts.ListenAddr, err)
	}
	p.listener = ln
	p.lastBeat.Store(time.Now().UnixNano())

	p.log.Info("replication peer started",
		zap.String("id", p.opts.ID),
		zap.String("addr", ln.Addr().String()),
		zap.String("role", string(role)),
		zap.Int("peers", len(p.opts.Peers)))

	p.wg.Add(5)
	go p.acceptLoop()
	go p.dialLoop()
	go p.senderLoop()
	go p.heartbeatLoop()
	go p.monitorLoop()
	return nil
}

// Stop closes the listener and every peer link and waits for the protocol
// goroutines to drain.  Safe to call more than once.
func (p *Peer) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		if p.listener != nil {
			p.listener.Close()
		}
		p.linksMu.Lock()
		for _, l := range p.links {
			l.conn.Close()
		}
		p.linksMu.Unlock()
		p.wg.Wait()
		p.log.Info("replication peer stopped")
	})
}

// ListenAddr returns the bound peer-facing address (useful when the
// configured port is 0).
func (p *Peer) ListenAddr() string {
	if p.listener == nil {
		return p.opts.ListenAddr
	}
	return p.listener.Addr().String()
}

// LiveLinks returns the number of currently connected peers.
func (p *Peer) LiveLinks() int {
	p.linksMu.Lock()
	defer p.linksMu.Unlock()
	return len(p.links)
}

func (p *Peer) stopped() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Link establishment
// ---------------------------------------------------------------------------

func (p *Peer) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return // closed by Stop
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleInbound(conn)
		}()
	}
}

// handleInbound performs the responder side of the HELLO exchange and runs
// the link.
func (p *Peer) handleInbound(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	env, err := decodeEnvelope(payload)
	if err != nil || env.Cmd != cmdHello {
		p.log.Warn("expected HELLO on new peer link", zap.Error(err))
		conn.Close()
		return
	}
	var hello helloData
	if err := json.Unmarshal(env.Data, &hello); err != nil {
		conn.Close()
		return
	}

	reply, err := encodeEnvelope(cmdHello, helloData{PeerID: p.opts.ID, Role: string(p.Role())})
	if err != nil || protocol.WriteFrame(conn, reply) != nil {
		conn.Close()
		return
	}

	p.runLink(&link{id: hello.PeerID, conn: conn, role: hello.Role})
}

// dialLoop establishes missing outbound links, retrying for as long as the
// peer runs.  Either side may win the race to connect; register drops the
// loser.
func (p *Peer) dialLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.Timing.ElectionTimeout)
	defer ticker.Stop()
	for {
		for _, pa := range p.opts.Peers {
			if p.stopped() {
				break
			}
			if p.hasLink(pa.ID) {
				continue
			}
			p.wg.Add(1)
			go func(pa PeerAddr) {
				defer p.wg.Done()
				p.dialPeer(pa)
			}(pa)
		}
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
	}
}

func (p *Peer) hasLink(id string) bool {
	p.linksMu.Lock()
	defer p.linksMu.Unlock()
	_, ok := p.links[id]
	return ok
}

// dialPeer performs the initiator side of the HELLO exchange.
func (p *Peer) dialPeer(pa PeerAddr) {
	conn, err := net.DialTimeout("tcp", pa.Addr, 3*time.Second)
	if err != nil {
		p.log.Debug("peer dial failed", zap.String("peer", pa.ID), zap.Error(err))
		return
	}

	hello, err := encodeEnvelope(cmdHello, helloData{PeerID: p.opts.ID, Role: string(p.Role())})
	if err != nil || protocol.WriteFrame(conn, hello) != nil {
		conn.Close()
		return
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	env, err := decodeEnvelope(payload)
	if err != nil || env.Cmd != cmdHello {
		conn.Close()
		return
	}
	var reply helloData
	if err := json.Unmarshal(env.Data, &reply); err != nil {
		conn.Close()
		return
	}

	p.runLink(&link{id: reply.PeerID, conn: conn, role: reply.Role})
}

// runLink registers l (dropping it if a link to that peer already exists)
// and reads frames until the connection dies.
func (p *Peer) runLink(l *link) {
	p.linksMu.Lock()
	if _, dup := p.links[l.id]; dup {
		p.linksMu.Unlock()
		l.conn.Close() // second concurrent attempt loses
		return
	}
	p.links[l.id] = l
	p.linksMu.Unlock()

	p.log.Info("peer link up", zap.String("peer", l.id), zap.String("peer_role", l.getRole()))

	// A PRIMARY proactively drives a full state transfer to every fresh link.
	if p.Role() == store.RolePrimary {
		p.pushSync(l)
		p.resolvePrimaryConflict(l, l.getRole())
	}

	for {
		payload, err := protocol.ReadFrame(l.conn)
		if err != nil {
			break
		}
		env, err := decodeEnvelope(payload)
		if err != nil {
			p.log.Warn("bad peer frame", zap.String("peer", l.id), zap.Error(err))
			continue
		}
		p.dispatch(l, env)
	}

	p.linksMu.Lock()
	if p.links[l.id] == l {
		delete(p.links, l.id)
	}
	p.linksMu.Unlock()
	l.conn.Close()
	p.log.Info("peer link down", zap.String("peer", l.id))
}

// ---------------------------------------------------------------------------
// Inbound dispatch
// ---------------------------------------------------------------------------

// nonessential frames are dropped while a role transition is in flight.
// Sync traffic and ELECTED stay essential: a freshly promoted PRIMARY pulls
// its initial sync while still transitioning.
func nonessential(cmd string) bool {
	switch cmd {
	case cmdHeartbeat, cmdElection, cmdElectionAck, cmdDataUpdate, cmdStateChange:
		return true
	}
	return false
}

func (p *Peer) dispatch(l *link, env *Envelope) {
	if p.transitioning.Load() && nonessential(env.Cmd) {
		return
	}

	switch env.Cmd {
	case cmdHeartbeat:
		p.lastBeat.Store(time.Now().UnixNano())

	case cmdElection:
		var e electionData
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return
		}
		if e.PeerID < p.opts.ID {
			// A lower-identity candidate: suppress it and run our own
			// election, which we will win over it.
			if ack, err := encodeEnvelope(cmdElectionAck, struct{}{}); err == nil {
				if err := l.send(ack); err != nil {
					p.log.Debug("election ack send failed", zap.String("peer", l.id), zap.Error(err))
				}
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.startElection()
			}()
		}
		// A higher-identity candidate needs no reply; its ELECTED will
		// arrive shortly.

	case cmdElectionAck:
		// A higher-identity replica is alive; stand down if still a
		// candidate and let it win.
		if p.Role() == store.RoleCandidate {
			p.log.Info("election suppressed by higher-identity peer", zap.String("peer", l.id))
			p.becomeBackup()
		}

	case cmdElected:
		var e electionData
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return
		}
		p.log.Info("peer elected primary", zap.String("peer", e.PeerID))
		l.setRole(string(store.RolePrimary))
		if r := p.Role(); r == store.RolePrimary || r == store.RoleCandidate {
			p.becomeBackup()
		}
		p.lastBeat.Store(time.Now().UnixNano())

	case cmdStateChange:
		var sc stateChangeData
		if err := json.Unmarshal(env.Data, &sc); err != nil {
			return
		}
		p.log.Info("peer changed role", zap.String("peer", l.id), zap.String("role", sc.Role))
		l.setRole(sc.Role)
		p.resolvePrimaryConflict(l, sc.Role)

	case cmdDataUpdate:
		var u updateData
		if err := json.Unmarshal(env.Data, &u); err != nil {
			p.log.Warn("bad data update", zap.String("peer", l.id), zap.Error(err))
			return
		}
		if p.handler == nil {
			return
		}
		if err := p.handler.ApplyUpdate(u.Type, u.Data); err != nil {
			p.log.Error("apply data update", zap.String("type", string(u.Type)), zap.Error(err))
			return
		}
		p.met.UpdatesApplied.Inc()

	case cmdSyncRequest:
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.pushSync(l)
		}()

	case cmdSyncData:
		var sd syncData
		if err := json.Unmarshal(env.Data, &sd); err != nil {
			p.log.Warn("bad sync data", zap.String("peer", l.id), zap.Error(err))
			return
		}
		if err := p.applySyncData(sd); err != nil {
			p.log.Error("apply sync data", zap.String("type", sd.Type), zap.Error(err))
		}

	case cmdSyncComplete:
		p.lastSync.Store(time.Now().UnixNano())
		select {
		case p.syncDone <- struct{}{}:
		default:
		}

	default:
		p.log.Warn("unknown peer command", zap.String("cmd", env.Cmd))
	}
}

// resolvePrimaryConflict applies the split-brain rule: when two replicas
// both claim PRIMARY, the one with the smaller identity steps down.
func (p *Peer) resolvePrimaryConflict(l *link, peerRole string) {
	if peerRole != string(store.RolePrimary) || p.Role() != store.RolePrimary {
		return
	}
	if p.opts.ID < l.id {
		p.log.Warn("concurrent primaries, stepping down", zap.String("winner", l.id))
		p.becomeBackup()
		return
	}
	// We outrank the peer; announce so it steps down.
	if msg, err := encodeEnvelope(cmdStateChange, stateChangeData{Role: string(store.RolePrimary)}); err == nil {
		if err := l.send(msg); err != nil {
			p.log.Debug("conflict announce failed", zap.String("peer", l.id), zap.Error(err))
		}
	}
}

// ---------------------------------------------------------------------------
// Outbound queue and periodic loops
// ---------------------------------------------------------------------------

// enqueue queues one frame for the sender loop; target "" fans out to every
// link.  The queue is bounded: overflow drops the frame (BACKUPs reconverge
// through the periodic re-sync).
func (p *Peer) enqueue(target string, payload []byte) {
	select {
	case p.outbound <- outFrame{target: target, payload: payload}:
	default:
		p.log.Warn("outbound replication queue full, frame dropped", zap.String("target", target))
	}
}

func (p *Peer) senderLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case f := <-p.outbound:
			p.linksMu.Lock()
			targets := make([]*link, 0, len(p.links))
			for id, l := range p.links {
				if f.target == "" || f.target == id {
					targets = append(targets, l)
				}
			}
			p.linksMu.Unlock()
			for _, l := range targets {
				if err := l.send(f.payload); err != nil {
					p.log.Debug("peer send failed", zap.String("peer", l.id), zap.Error(err))
				}
			}
		}
	}
}

func (p *Peer) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.Timing.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if p.Role() != store.RolePrimary {
				continue
			}
			beat, err := encodeEnvelope(cmdHeartbeat, map[string]float64{
				"timestamp": float64(time.Now().UnixNano()) / float64(time.Second),
			})
			if err != nil {
				continue
			}
			p.enqueue("", beat)
		}
	}
}

// monitorLoop is the failure detector.  On a BACKUP it counts heartbeat
// misses and starts an election after MaxMissedBeats; on the PRIMARY it
// drives the periodic re-sync.
func (p *Peer) monitorLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.Timing.Heartbeat)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		switch p.Role() {
		case store.RoleBackup:
			stale := time.Since(time.Unix(0, p.lastBeat.Load()))
			if stale <= p.opts.Timing.ElectionTimeout {
				missed = 0
				continue
			}
			missed++
			p.log.Info("missed heartbeat from primary", zap.Int("missed", missed))
			if missed >= p.opts.Timing.MaxMissedBeats {
				missed = 0
				p.lastBeat.Store(time.Now().UnixNano())
				p.startElection()
			}

		case store.RolePrimary:
			missed = 0
			if time.Since(time.Unix(0, p.lastSync.Load())) > p.opts.Timing.SyncInterval {
				p.lastSync.Store(time.Now().UnixNano())
				p.linksMu.Lock()
				targets := make([]*link, 0, len(p.links))
				for _, l := range p.links {
					targets = append(targets, l)
				}
				p.linksMu.Unlock()
				for _, l := range targets {
					p.pushSync(l)
				}
			}

		default:
			missed = 0
		}
	}
}

// ---------------------------------------------------------------------------
// Write path
// ---------------------------------------------------------------------------

// ErrNotPrimary is returned when a non-PRIMARY attempts to broadcast.
var ErrNotPrimary = errors.New("replication: not primary")

// BroadcastUpdate fans a locally applied mutation out to every BACKUP.  The
// caller must have applied the mutation to the store already.
func (p *Peer) BroadcastUpdate(t UpdateType, payload any) error {
	if p.Role() != store.RolePrimary {
		return ErrNotPrimary
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("replication: marshal update: %w", err)
	}
	env, err := encodeEnvelope(cmdDataUpdate, updateData{Type: t, Data: raw})
	if err != nil {
		return err
	}
	p.enqueue("", env)
	p.met.UpdatesBroadcast.Inc()
	return nil
}

// WaitForAcks pauses briefly after a broadcast and reports whether a
// majority (counting this replica) is known to hold the update.  The check
// is best-effort: only the local replica's vote is counted, so it holds
// exactly in single-replica clusters.  Callers never abort a command on a
// false return; BACKUPs converge through the periodic re-sync.
func (p *Peer) WaitForAcks() bool {
	select {
	case <-p.done:
	case <-time.After(p.opts.Timing.AckWait):
	}
	total := p.LiveLinks() + 1
	majority := total/2 + 1
	return total <= 1 || 1 >= majority
}
