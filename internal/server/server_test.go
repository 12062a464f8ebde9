package server

import (
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"replchat/internal/metrics"
	"replchat/internal/protocol"
	"replchat/internal/replication"
	"replchat/internal/store"
)

// replica is one fully wired node: store, replication peer, chat server.
type replica struct {
	addr string // client-facing address
	peer *replication.Peer
	st   *store.Store
	srv  *Server
}

// startClusterReplica boots one replica on ephemeral ports.
func startClusterReplica(t *testing.T, id string, primary bool, timing replication.Timing, peers []replication.PeerAddr) *replica {
	t.Helper()

	st, err := store.Open(t.TempDir(), primary, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	met := metrics.NewRegistry()
	peer := replication.New(replication.Options{
		ID:         id,
		ListenAddr: "127.0.0.1:0",
		Peers:      peers,
		Timing:     timing,
	}, st, met, zap.NewNop())

	srv := New(st, peer, protocol.JSONCodec{}, met, zap.NewNop())
	peer.SetHandler(srv)
	if err := peer.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(peer.Stop)

	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	go srv.Serve() //nolint:errcheck
	t.Cleanup(srv.Shutdown)

	return &replica{addr: srv.Addr(), peer: peer, st: st, srv: srv}
}

// startReplica boots a lone replica with production timings and returns the
// client-facing address.
func startReplica(t *testing.T, primary bool) string {
	t.Helper()
	return startClusterReplica(t, "replica-test", primary, replication.DefaultTiming(), nil).addr
}

// shortTiming shrinks the protocol intervals; the staleness window stays
// generous enough that a freshly started pair always links up before any
// election can fire.
func shortTiming() replication.Timing {
	return replication.Timing{
		Heartbeat:       25 * time.Millisecond,
		ElectionTimeout: 250 * time.Millisecond,
		ElectionWait:    50 * time.Millisecond,
		AckWait:         5 * time.Millisecond,
		SyncInterval:    time.Hour,
		TransitionGrace: 10 * time.Millisecond,
		MaxMissedBeats:  3,
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(m *protocol.Message) {
	c.t.Helper()
	if err := protocol.WriteMessage(c.conn, protocol.JSONCodec{}, m); err != nil {
		c.t.Fatal(err)
	}
}

func (c *testClient) recv() *protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	m, err := protocol.ReadMessage(c.conn, protocol.JSONCodec{})
	if err != nil {
		c.t.Fatal(err)
	}
	return m
}

// roundTrip sends one request and returns the single reply.
func (c *testClient) roundTrip(m *protocol.Message) *protocol.Message {
	c.send(m)
	return c.recv()
}

func TestCreateAndLogin(t *testing.T) {
	addr := startReplica(t, true)

	c1 := dialClient(t, addr)
	r := c1.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "alice", Body: "pw"})
	if r.Error || r.Body != "Account created" || r.To != "alice" {
		t.Fatalf("create reply = %+v", r)
	}

	// The name is taken now.
	c2 := dialClient(t, addr)
	r = c2.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "alice", Body: "pw"})
	if !r.Error || r.Body != "Username already exists" {
		t.Errorf("duplicate create reply = %+v", r)
	}

	// Wrong password.
	r = c2.roundTrip(&protocol.Message{Cmd: protocol.CmdLogin, Src: "alice", Body: "wrong"})
	if !r.Error || r.Body != "Username/Password error" {
		t.Errorf("bad password reply = %+v", r)
	}

	// Alice is still bound to c1.
	r = c2.roundTrip(&protocol.Message{Cmd: protocol.CmdLogin, Src: "alice", Body: "pw"})
	if !r.Error || r.Body != "Already logged in elsewhere" {
		t.Errorf("second session reply = %+v", r)
	}

	// After logoff the second connection may log in.
	r = c1.roundTrip(&protocol.Message{Cmd: protocol.CmdLogoff})
	if r.Error || r.Body != "Logged out successfully" {
		t.Errorf("logoff reply = %+v", r)
	}
	r = c2.roundTrip(&protocol.Message{Cmd: protocol.CmdLogin, Src: "alice", Body: "pw"})
	if r.Error || r.Body != "Login successful. You have 0 unread messages" {
		t.Errorf("login reply = %+v", r)
	}
}

func TestRebindReleasesPreviousUsername(t *testing.T) {
	addr := startReplica(t, true)

	// One connection authenticates as alice, then re-authenticates as bob
	// without logging off first.  Alice's binding must die with the rebind.
	c := dialClient(t, addr)
	if r := c.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "alice", Body: "pw"}); r.Error {
		t.Fatalf("create alice: %+v", r)
	}
	if r := c.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "bob", Body: "pw"}); r.Error {
		t.Fatalf("create bob: %+v", r)
	}

	// Alice is free immediately, while the first connection is still open.
	c2 := dialClient(t, addr)
	if r := c2.roundTrip(&protocol.Message{Cmd: protocol.CmdLogin, Src: "alice", Body: "pw"}); r.Error {
		t.Fatalf("login alice while original conn holds bob: %+v", r)
	}
	if r := c2.roundTrip(&protocol.Message{Cmd: protocol.CmdLogoff}); r.Error {
		t.Fatalf("logoff alice: %+v", r)
	}

	// And the rebound connection's disconnect releases bob, not alice.
	c.conn.Close()
	c3 := dialClient(t, addr)
	waitFor(t, 3*time.Second, "bob released", func() bool {
		r := c3.roundTrip(&protocol.Message{Cmd: protocol.CmdLogin, Src: "bob", Body: "pw"})
		if !r.Error {
			return true
		}
		if r.Body != "Already logged in elsewhere" {
			t.Fatalf("login bob after disconnect: %+v", r)
		}
		return false
	})
}

func TestOfflineSendAndPop(t *testing.T) {
	addr := startReplica(t, true)

	alice := dialClient(t, addr)
	if r := alice.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "alice", Body: "pw"}); r.Error {
		t.Fatalf("create alice: %+v", r)
	}
	bobConn := dialClient(t, addr)
	if r := bobConn.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "bob", Body: "pw"}); r.Error {
		t.Fatalf("create bob: %+v", r)
	}
	if r := bobConn.roundTrip(&protocol.Message{Cmd: protocol.CmdLogoff}); r.Error {
		t.Fatalf("logoff bob: %+v", r)
	}

	r := alice.roundTrip(&protocol.Message{Cmd: protocol.CmdSend, Src: "alice", To: "nobody", Body: "x"})
	if !r.Error || r.Body != "Recipient does not exist" {
		t.Errorf("unknown recipient reply = %+v", r)
	}

	r = alice.roundTrip(&protocol.Message{Cmd: protocol.CmdSend, Src: "alice", To: "bob", Body: "hi bob"})
	if r.Error || r.Body != "Message sent successfully" {
		t.Fatalf("send reply = %+v", r)
	}

	// Bob returns and finds the message waiting.
	bob := dialClient(t, addr)
	r = bob.roundTrip(&protocol.Message{Cmd: protocol.CmdLogin, Src: "bob", Body: "pw"})
	if r.Error || r.Body != "Login successful. You have 1 unread messages" {
		t.Fatalf("bob login reply = %+v", r)
	}

	// Pop: one message frame, then the terminal status, and the queue empties.
	bob.send(&protocol.Message{Cmd: protocol.CmdDeliver, Limit: 5})
	msg := bob.recv()
	if msg.Src != "alice" || msg.Body != "hi bob" || len(msg.MsgIDs) != 1 {
		t.Errorf("delivered frame = %+v", msg)
	}
	if terminal := bob.recv(); terminal.Body != "Delivered 1 messages" {
		t.Errorf("terminal = %+v", terminal)
	}
	if terminal := bob.roundTrip(&protocol.Message{Cmd: protocol.CmdDeliver, Limit: 5}); terminal.Body != "Delivered 0 messages" {
		t.Errorf("second pop = %+v", terminal)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	addr := startReplica(t, true)

	alice := dialClient(t, addr)
	alice.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "alice", Body: "pw"})
	bob := dialClient(t, addr)
	bob.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "bob", Body: "pw"})
	bob.roundTrip(&protocol.Message{Cmd: protocol.CmdLogoff})

	alice.roundTrip(&protocol.Message{Cmd: protocol.CmdSend, Src: "alice", To: "bob", Body: "peek me"})

	bob2 := dialClient(t, addr)
	bob2.roundTrip(&protocol.Message{Cmd: protocol.CmdLogin, Src: "bob", Body: "pw"})

	// First peek shows the message.
	bob2.send(&protocol.Message{Cmd: protocol.CmdDeliver, Limit: 0})
	if msg := bob2.recv(); msg.Body != "peek me" {
		t.Fatalf("peeked frame = %+v", msg)
	}
	if terminal := bob2.recv(); terminal.Body != "Delivered 1 messages" {
		t.Errorf("peek terminal = %+v", terminal)
	}

	// The same session never sees it twice.
	if terminal := bob2.roundTrip(&protocol.Message{Cmd: protocol.CmdDeliver, Limit: 0}); terminal.Body != "Delivered 0 messages" {
		t.Errorf("second peek = %+v", terminal)
	}

	// But the queue itself is untouched: a fresh session sees it again.
	bob2.roundTrip(&protocol.Message{Cmd: protocol.CmdLogoff})
	bob3 := dialClient(t, addr)
	if r := bob3.roundTrip(&protocol.Message{Cmd: protocol.CmdLogin, Src: "bob", Body: "pw"}); r.Body != "Login successful. You have 1 unread messages" {
		t.Errorf("relogin reply = %+v", r)
	}
}

func TestInlineDelivery(t *testing.T) {
	addr := startReplica(t, true)

	alice := dialClient(t, addr)
	alice.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "alice", Body: "pw"})
	bob := dialClient(t, addr)
	bob.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "bob", Body: "pw"})

	if r := alice.roundTrip(&protocol.Message{Cmd: protocol.CmdSend, Src: "alice", To: "bob", Body: "instant"}); r.Error {
		t.Fatalf("send reply = %+v", r)
	}

	// Bob's connection receives the message without asking.
	msg := bob.recv()
	if msg.Cmd != protocol.CmdDeliver || msg.Src != "alice" || msg.Body != "instant" || len(msg.MsgIDs) != 1 {
		t.Errorf("inline frame = %+v", msg)
	}

	// Inline-delivered messages are not queued for later.
	bob.roundTrip(&protocol.Message{Cmd: protocol.CmdLogoff})
	bob2 := dialClient(t, addr)
	if r := bob2.roundTrip(&protocol.Message{Cmd: protocol.CmdLogin, Src: "bob", Body: "pw"}); r.Body != "Login successful. You have 0 unread messages" {
		t.Errorf("relogin reply = %+v", r)
	}
}

func TestListFiltering(t *testing.T) {
	addr := startReplica(t, true)

	for _, u := range []string{"alice", "bob", "bobby"} {
		c := dialClient(t, addr)
		if r := c.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: u, Body: "pw"}); r.Error {
			t.Fatalf("create %s: %+v", u, r)
		}
	}
	c := dialClient(t, addr)

	if r := c.roundTrip(&protocol.Message{Cmd: protocol.CmdList}); r.Body != "alice,bob,bobby" {
		t.Errorf("unfiltered list = %q", r.Body)
	}
	if r := c.roundTrip(&protocol.Message{Cmd: protocol.CmdList, Body: "all"}); r.Body != "alice,bob,bobby" {
		t.Errorf(`list "all" = %q`, r.Body)
	}
	if r := c.roundTrip(&protocol.Message{Cmd: protocol.CmdList, Body: "bob"}); r.Body != "bob,bobby" {
		t.Errorf(`list "bob" = %q`, r.Body)
	}
	if r := c.roundTrip(&protocol.Message{Cmd: protocol.CmdList, Body: "zzz"}); r.Body != "" {
		t.Errorf(`list "zzz" = %q`, r.Body)
	}
}

func TestDeleteMessagesAndAccount(t *testing.T) {
	addr := startReplica(t, true)

	alice := dialClient(t, addr)
	alice.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "alice", Body: "pw"})
	bob := dialClient(t, addr)
	bob.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "bob", Body: "pw"})
	bob.roundTrip(&protocol.Message{Cmd: protocol.CmdLogoff})

	alice.roundTrip(&protocol.Message{Cmd: protocol.CmdSend, Src: "alice", To: "bob", Body: "discard me"})

	bob2 := dialClient(t, addr)
	bob2.roundTrip(&protocol.Message{Cmd: protocol.CmdLogin, Src: "bob", Body: "pw"})
	bob2.send(&protocol.Message{Cmd: protocol.CmdDeliver, Limit: 0})
	msg := bob2.recv()
	bob2.recv() // peek terminal

	if r := bob2.roundTrip(&protocol.Message{Cmd: protocol.CmdDeleteMsgs, MsgIDs: msg.MsgIDs}); r.Error || r.Body != "Messages deleted" {
		t.Errorf("delete_msgs reply = %+v", r)
	}
	if r := bob2.roundTrip(&protocol.Message{Cmd: protocol.CmdDeleteMsgs}); !r.Error || r.Body != "No message ids supplied" {
		t.Errorf("empty delete_msgs reply = %+v", r)
	}

	if r := bob2.roundTrip(&protocol.Message{Cmd: protocol.CmdDelete}); r.Error || r.Body != "Account deleted" {
		t.Errorf("delete account reply = %+v", r)
	}

	// The account is gone.
	bob3 := dialClient(t, addr)
	if r := bob3.roundTrip(&protocol.Message{Cmd: protocol.CmdLogin, Src: "bob", Body: "pw"}); !r.Error || r.Body != "Username/Password error" {
		t.Errorf("login after delete = %+v", r)
	}
}

func TestAnonymousSessionGates(t *testing.T) {
	addr := startReplica(t, true)
	c := dialClient(t, addr)

	for _, cmd := range []string{protocol.CmdDeliver, protocol.CmdLogoff, protocol.CmdDelete, protocol.CmdDeleteMsgs} {
		r := c.roundTrip(&protocol.Message{Cmd: cmd, MsgIDs: []string{"x"}})
		if !r.Error || r.Body == "" {
			t.Errorf("%s without login: %+v", cmd, r)
		}
	}
}

func TestFailoverPreservesData(t *testing.T) {
	a := startClusterReplica(t, "a", true, shortTiming(), nil)
	b := startClusterReplica(t, "b", false, shortTiming(), []replication.PeerAddr{
		{ID: "a", Addr: a.peer.ListenAddr()},
	})
	waitFor(t, 3*time.Second, "link up", func() bool { return b.peer.LiveLinks() == 1 })

	alice := dialClient(t, a.addr)
	alice.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "alice", Body: "pw"})
	bobConn := dialClient(t, a.addr)
	bobConn.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "bob", Body: "pw"})
	bobConn.roundTrip(&protocol.Message{Cmd: protocol.CmdLogoff})
	alice.roundTrip(&protocol.Message{Cmd: protocol.CmdSend, Src: "alice", To: "bob", Body: "survive this"})

	// Accounts and the queued message reach the BACKUP.
	waitFor(t, 3*time.Second, "replication to backup", func() bool {
		if ok, _ := b.st.UserExists("bob"); !ok {
			return false
		}
		msgs, _ := b.st.Messages("bob")
		return len(msgs) == 1
	})

	// Kill the PRIMARY; the BACKUP detects the silence and promotes itself.
	a.srv.Shutdown()
	a.peer.Stop()
	waitFor(t, 5*time.Second, "failover promotion", func() bool {
		return b.peer.Role() == store.RolePrimary && !b.peer.Transitioning()
	})

	// A client landing on the new PRIMARY finds everything intact.
	bob := dialClient(t, b.addr)
	r := bob.roundTrip(&protocol.Message{Cmd: protocol.CmdLogin, Src: "bob", Body: "pw"})
	if r.Error || r.Body != "Login successful. You have 1 unread messages" {
		t.Fatalf("login after failover = %+v", r)
	}
	bob.send(&protocol.Message{Cmd: protocol.CmdDeliver, Limit: 1})
	if msg := bob.recv(); msg.Body != "survive this" {
		t.Errorf("delivered after failover = %+v", msg)
	}
}

func TestShutdownClosesIdleConnections(t *testing.T) {
	r := startClusterReplica(t, "shutdown-test", true, replication.DefaultTiming(), nil)

	// Neither connection is bound to a username when Shutdown runs: one never
	// logged in, the other logged off.  Shutdown must still cut both loose
	// rather than wait for their read loops forever.
	dialClient(t, r.addr) // anonymous, never sends anything
	loggedOff := dialClient(t, r.addr)
	loggedOff.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "bob", Body: "pw"})
	loggedOff.roundTrip(&protocol.Message{Cmd: protocol.CmdLogoff})

	done := make(chan struct{})
	go func() {
		r.srv.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not return with idle connections open")
	}
}

func TestDemotionNotifiesClients(t *testing.T) {
	a := startClusterReplica(t, "a", true, shortTiming(), nil)

	c := dialClient(t, a.addr)
	if r := c.roundTrip(&protocol.Message{Cmd: protocol.CmdCreate, Src: "alice", Body: "pw"}); r.Error {
		t.Fatalf("create: %+v", r)
	}

	// A second replica also claiming PRIMARY outranks "a"; the split-brain
	// rule demotes "a", which must tell its clients before cutting them off.
	startClusterReplica(t, "b", true, shortTiming(), []replication.PeerAddr{
		{ID: "a", Addr: a.peer.ListenAddr()},
	})

	notice := c.recv()
	if notice.Cmd != protocol.CmdServerStatus || !notice.Error || !strings.Contains(notice.Body, "backup mode") {
		t.Errorf("demotion notice = %+v", notice)
	}
	waitFor(t, 3*time.Second, "demotion", func() bool {
		return a.peer.Role() == store.RoleBackup
	})
}

func TestBackupRefusesClients(t *testing.T) {
	addr := startReplica(t, false)
	c := dialClient(t, addr)

	r := c.roundTrip(&protocol.Message{Cmd: protocol.CmdLogin, Src: "alice", Body: "pw"})
	if !r.Error || !strings.Contains(r.Body, "not the primary") {
		t.Errorf("backup reply = %+v", r)
	}
	// Every command gets the same treatment; the connection stays open so the
	// client can display the cause and rotate.
	r = c.roundTrip(&protocol.Message{Cmd: protocol.CmdList})
	if !r.Error || !strings.Contains(r.Body, "server") {
		t.Errorf("backup list reply = %+v", r)
	}
}
