package proxy

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mudlink/mudlink/internal/buffer"
	"github.com/mudlink/mudlink/internal/config"
	"github.com/mudlink/mudlink/internal/push"
	"github.com/mudlink/mudlink/internal/session"
	"github.com/mudlink/mudlink/internal/trigger"
)

type fakeConn struct {
	mu     sync.Mutex
	ip     string
	sent   []any
	closed bool
}

func newFakeConn(ip string) *fakeConn { return &fakeConn{ip: ip} }

func (f *fakeConn) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeConn) SendChunk(chunk buffer.Chunk) error {
	return f.Send(chunkMessage(chunk))
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) RemoteIP() string { return f.ip }

func (f *fakeConn) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

func (f *fakeConn) sessionMsg() *sessionMessage {
	for _, m := range f.messages() {
		if sm, ok := m.(sessionMessage); ok {
			return &sm
		}
	}
	return nil
}

func (f *fakeConn) errorMsg() *errorMessage {
	for _, m := range f.messages() {
		if em, ok := m.(errorMessage); ok {
			return &em
		}
	}
	return nil
}

func (f *fakeConn) dataSeqs() []uint64 {
	var seqs []uint64
	for _, m := range f.messages() {
		if dm, ok := m.(dataMessage); ok {
			seqs = append(seqs, dm.Seq)
		}
	}
	return seqs
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []trigger.Match
	silent int
}

func (a *alertRecorder) SendSilentPush(deviceToken, sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.silent++
	return true
}

func (a *alertRecorder) SendActivityPush(activityToken string, content push.ActivityContent) bool {
	return true
}

func (a *alertRecorder) SendNotification(deviceToken string, match trigger.Match, sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, match)
	return true
}

// startFakeMUD runs a loopback listener standing in for a MUD. Accepted
// connections alternate: the TLS attempt gets garbage bytes and a close so
// the dialer falls back, the plain retry is handed to the test.
func startFakeMUD(t *testing.T) (string, int, chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	conns := make(chan net.Conn, 8)
	go func() {
		decoy := true
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if decoy {
				conn.Write([]byte("not tls\r\n"))
				conn.Close()
			} else {
				conns <- conn
			}
			decoy = !decoy
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port, conns
}

func newTestDispatcher(t *testing.T, cfg *config.Config, notifier push.Notifier) (*Dispatcher, *session.Manager, *push.Scheduler) {
	t.Helper()
	if notifier == nil {
		notifier = push.LogNotifier{}
	}
	manager := session.NewManager(session.Limits{
		MaxPerDevice: cfg.MaxPerDevice,
		MaxPerIP:     cfg.MaxPerIP,
		// Generous rate bucket so tests never trip the smoothing limiter.
		ConnectBurst:     100,
		ConnectPerSecond: 100,
	})
	matcher := trigger.NewMatcher(trigger.Limits{
		PerTypePerMinute: cfg.PerTypePerMinute,
		TotalPerHour:     cfg.TotalPerHour,
	})
	scheduler := push.NewScheduler(push.DefaultConfig(), notifier)
	d := NewDispatcher(cfg, manager, matcher, scheduler, notifier)
	return d, manager, scheduler
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(host string, port int) *config.Config {
	cfg := config.Default()
	cfg.TNHost = host
	cfg.TNPort = port
	return cfg
}

func TestResumeReplaysAfterLastSeq(t *testing.T) {
	host, port, conns := startFakeMUD(t)
	d, manager, _ := newTestDispatcher(t, testConfig(host, port), nil)

	c1 := newFakeConn("203.0.113.1")
	d.HandleMessage(c1, []byte(`{"type":"connect"}`))

	sm := c1.sessionMsg()
	if sm == nil {
		t.Fatalf("no session reply, got %+v", c1.messages())
	}
	waitFor(t, "telnet connect", func() bool {
		s := manager.Get(sm.SessionID)
		return s != nil && s.State() == session.StateConnected
	})

	mud := <-conns
	defer mud.Close()
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(mud, "line %d\r\n", i)
		n := i
		waitFor(t, "chunk delivery", func() bool { return len(c1.dataSeqs()) == n })
	}

	d.OnClientDisconnect(c1)

	c2 := newFakeConn("203.0.113.1")
	d.HandleMessage(c2, []byte(fmt.Sprintf(
		`{"type":"resume","sessionId":%q,"token":%q,"lastSeq":2}`, sm.SessionID, sm.Token)))

	got := c2.dataSeqs()
	want := []uint64{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected seqs %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected seqs %v, got %v", want, got)
		}
	}
	if payload := c2.messages()[0].(dataMessage).Payload; payload != base64.StdEncoding.EncodeToString([]byte("line 3\r\n")) {
		t.Errorf("unexpected first replayed payload %q", payload)
	}
}

func TestResumeWithBadTokenRejected(t *testing.T) {
	host, port, _ := startFakeMUD(t)
	d, manager, _ := newTestDispatcher(t, testConfig(host, port), nil)

	c1 := newFakeConn("203.0.113.1")
	d.HandleMessage(c1, []byte(`{"type":"connect"}`))
	sm := c1.sessionMsg()
	if sm == nil {
		t.Fatal("no session reply")
	}
	d.OnClientDisconnect(c1)

	c2 := newFakeConn("203.0.113.1")
	d.HandleMessage(c2, []byte(fmt.Sprintf(
		`{"type":"resume","sessionId":%q,"token":"wrong","lastSeq":0}`, sm.SessionID)))

	em := c2.errorMsg()
	if em == nil || em.Code != CodeInvalidResume {
		t.Fatalf("expected invalid_resume, got %+v", c2.messages())
	}
	if manager.Get(sm.SessionID).HasClients() {
		t.Error("bad-token resume attached a transport")
	}
}

func TestIPCapDeniesThirdConnect(t *testing.T) {
	host, port, _ := startFakeMUD(t)
	cfg := testConfig(host, port)
	cfg.MaxPerIP = 2
	d, _, _ := newTestDispatcher(t, cfg, nil)

	replies := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		c := newFakeConn("203.0.113.9")
		d.HandleMessage(c, []byte(`{"type":"connect"}`))
		if c.sessionMsg() != nil {
			replies = append(replies, "session")
		} else if em := c.errorMsg(); em != nil {
			replies = append(replies, em.Code)
		} else {
			replies = append(replies, "none")
		}
	}

	want := []string{"session", "session", CodeRateLimited}
	for i := range want {
		if replies[i] != want[i] {
			t.Fatalf("expected replies %v, got %v", want, replies)
		}
	}
}

func TestUnknownTypeAnswersInvalidRequest(t *testing.T) {
	host, port, _ := startFakeMUD(t)
	d, _, _ := newTestDispatcher(t, testConfig(host, port), nil)

	c := newFakeConn("203.0.113.1")
	d.HandleMessage(c, []byte(`{"type":"teleport"}`))

	em := c.errorMsg()
	if em == nil || em.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %+v", c.messages())
	}
}

func TestMalformedJSONAnswersInvalidRequest(t *testing.T) {
	host, port, _ := startFakeMUD(t)
	d, _, _ := newTestDispatcher(t, testConfig(host, port), nil)

	c := newFakeConn("203.0.113.1")
	d.HandleMessage(c, []byte(`{"type": connect`))

	em := c.errorMsg()
	if em == nil || em.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %+v", c.messages())
	}
}

func TestInputWithoutSessionRejected(t *testing.T) {
	host, port, _ := startFakeMUD(t)
	d, _, _ := newTestDispatcher(t, testConfig(host, port), nil)

	c := newFakeConn("203.0.113.1")
	d.HandleMessage(c, []byte(`{"type":"input","text":"look"}`))

	em := c.errorMsg()
	if em == nil || em.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %+v", c.messages())
	}
}

func TestDefaultServerLockdown(t *testing.T) {
	host, port, _ := startFakeMUD(t)
	cfg := testConfig(host, port)
	cfg.OnlyAllowDefaultServer = true
	d, manager, _ := newTestDispatcher(t, cfg, nil)

	c := newFakeConn("203.0.113.1")
	d.HandleMessage(c, []byte(`{"type":"connect","host":"other.example.com","port":5555}`))

	em := c.errorMsg()
	if em == nil || em.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %+v", c.messages())
	}
	if manager.Count() != 0 {
		t.Error("lockdown still created a session")
	}
}

func TestDisconnectAcksAndRemoves(t *testing.T) {
	host, port, _ := startFakeMUD(t)
	d, manager, _ := newTestDispatcher(t, testConfig(host, port), nil)

	c := newFakeConn("203.0.113.1")
	d.HandleMessage(c, []byte(`{"type":"connect"}`))
	sm := c.sessionMsg()
	if sm == nil {
		t.Fatal("no session reply")
	}

	d.HandleMessage(c, []byte(`{"type":"disconnect"}`))

	var acked bool
	for _, m := range c.messages() {
		if dm, ok := m.(disconnectedMessage); ok && dm.SessionID == sm.SessionID {
			acked = true
		}
	}
	if !acked {
		t.Error("no disconnected ack")
	}
	waitFor(t, "session removal", func() bool { return manager.Count() == 0 })
}

func TestUnattachedOutputFeedsBothPipelines(t *testing.T) {
	host, port, _ := startFakeMUD(t)
	rec := &alertRecorder{}
	d, manager, scheduler := newTestDispatcher(t, testConfig(host, port), rec)

	sess := manager.Create(host, port, "device-1", "203.0.113.1", 4096, "mudlink", "1.0", d)
	d.trackForPush(sess)

	d.UnattachedOutput(sess, "Alice tells you: hello there\r\n", 3)

	rec.mu.Lock()
	alerts, silent := len(rec.alerts), rec.silent
	var sender string
	if alerts > 0 {
		sender = rec.alerts[0].Sender
	}
	rec.mu.Unlock()

	if alerts != 1 || sender != "Alice" {
		t.Errorf("expected one tell alert from Alice, got %d (%q)", alerts, sender)
	}
	if silent != 1 {
		t.Errorf("expected one silent resync push, got %d", silent)
	}
	if scheduler.TrackedCount() != 1 {
		t.Errorf("session not tracked: %d", scheduler.TrackedCount())
	}
}

func TestResumeUntracksFromScheduler(t *testing.T) {
	host, port, _ := startFakeMUD(t)
	d, manager, scheduler := newTestDispatcher(t, testConfig(host, port), nil)

	c1 := newFakeConn("203.0.113.1")
	d.HandleMessage(c1, []byte(`{"type":"connect","deviceToken":"device-1"}`))
	sm := c1.sessionMsg()
	if sm == nil {
		t.Fatal("no session reply")
	}

	d.OnClientDisconnect(c1)
	if scheduler.TrackedCount() != 1 {
		t.Fatalf("detached session not tracked: %d", scheduler.TrackedCount())
	}

	c2 := newFakeConn("203.0.113.1")
	d.HandleMessage(c2, []byte(fmt.Sprintf(
		`{"type":"resume","sessionId":%q,"token":%q,"lastSeq":0}`, sm.SessionID, sm.Token)))

	if scheduler.TrackedCount() != 0 {
		t.Errorf("resumed session still tracked: %d", scheduler.TrackedCount())
	}
	if !manager.Get(sm.SessionID).HasClients() {
		t.Error("resume did not attach the transport")
	}
}

func TestGMCPDataJSONWrapsNonJSON(t *testing.T) {
	if got := string(gmcpDataJSON(`{"hp":100}`)); got != `{"hp":100}` {
		t.Errorf("valid JSON rewritten: %s", got)
	}

	var wrapped map[string]string
	if err := json.Unmarshal(gmcpDataJSON("not json at all"), &wrapped); err != nil {
		t.Fatalf("wrap not valid JSON: %v", err)
	}
	if wrapped["raw"] != "not json at all" {
		t.Errorf("unexpected wrap %v", wrapped)
	}

	if got := string(gmcpDataJSON("")); got != "{}" {
		t.Errorf("empty data should yield {}, got %s", got)
	}
}

func TestChunkMessageShapes(t *testing.T) {
	data := chunkMessage(buffer.Chunk{Sequence: 7, Kind: buffer.Data, Payload: []byte{'A', 0xFF, 'B'}})
	dm, ok := data.(dataMessage)
	if !ok || dm.Type != "data" || dm.Seq != 7 {
		t.Fatalf("unexpected data message %+v", data)
	}
	decoded, err := base64.StdEncoding.DecodeString(dm.Payload)
	if err != nil || string(decoded) != "A\xffB" {
		t.Errorf("payload round trip failed: %q %v", decoded, err)
	}

	g := chunkMessage(buffer.Chunk{Sequence: 8, Kind: buffer.GMCP, GMCPPackage: "Char.Vitals", GMCPData: `{"hp":10}`})
	gm, ok := g.(gmcpMessage)
	if !ok || gm.Type != "gmcp" || gm.Package != "Char.Vitals" {
		t.Fatalf("unexpected gmcp message %+v", g)
	}
}
