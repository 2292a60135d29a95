// Package session implements the proxy's core entity: a server-side session
// that owns one telnet connection and its replayable output buffer,
// independent of any attached client transport. Clients come and go; the
// session keeps the MUD side alive.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mudlink/mudlink/internal/buffer"
	"github.com/mudlink/mudlink/internal/logging"
	"github.com/mudlink/mudlink/internal/telnet"
	"github.com/mudlink/mudlink/internal/terminalio"
)

var (
	ErrClosedDuringConnect = errors.New("session: closed during connect")
	ErrNotConnected        = errors.New("session: telnet not connected")
)

// ConnState tracks the telnet connection lifecycle. The only edge out of
// StateClosed is none; a closed session is removed, never revived.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateClosed
)

// Transport is the client-side handle a session broadcasts to. Implemented
// by the proxy's WebSocket client wrapper.
type Transport interface {
	// SendChunk delivers one buffered chunk. An error marks the transport
	// dead; the session drops it without affecting other clients.
	SendChunk(chunk buffer.Chunk) error
	Close()
}

// Events receives session callbacks. Implemented by the dispatcher, which
// routes unattached output into the trigger matcher and push scheduler.
type Events interface {
	// UnattachedOutput fires after new text was buffered while no client
	// was attached.
	UnattachedOutput(s *Session, text string, latestSeq uint64)
	// TelnetClosed fires when the MUD side closed or errored mid-session.
	TelnetClosed(s *Session, err error)
}

// Session owns one telnet connection, its parser state and a replayable
// output buffer. Attached transports share its lifetime but never own it.
type Session struct {
	ID          string
	AuthToken   string
	CreatedAt   time.Time
	MudHost     string
	MudPort     int
	DeviceToken string
	ClientIP    string

	mu                 sync.Mutex
	state              ConnState
	conn               net.Conn
	closing            bool
	cancelConnect      context.CancelFunc
	clients            map[Transport]struct{}
	buf                *buffer.OutputBuffer
	parser             *telnet.Parser
	encoder            *terminalio.OutboundEncoder
	lastClientAttachAt time.Time
	activityPushToken  string
	width, height      int

	events Events
}

// New creates an unconnected session with a fresh id and resume token.
func New(host string, port int, deviceToken, clientIP string, bufferBytes int, clientName, clientVersion string, events Events) *Session {
	token := make([]byte, 32)
	if _, err := rand.Read(token); err != nil {
		// A broken entropy source must never produce a guessable token.
		panic(fmt.Sprintf("session: crypto/rand unavailable: %v", err))
	}

	return &Session{
		ID:                 uuid.NewString(),
		AuthToken:          hex.EncodeToString(token),
		CreatedAt:          time.Now(),
		MudHost:            host,
		MudPort:            port,
		DeviceToken:        deviceToken,
		ClientIP:           clientIP,
		state:              StateConnecting,
		clients:            make(map[Transport]struct{}),
		buf:                buffer.New(bufferBytes),
		parser:             telnet.NewParser(clientName, clientVersion),
		encoder:            terminalio.NewOutboundEncoder(),
		lastClientAttachAt: time.Now(),
		width:              80,
		height:             24,
		events:             events,
	}
}

// WorldName identifies the MUD endpoint, used in push content and logs.
func (s *Session) WorldName() string {
	return net.JoinHostPort(s.MudHost, fmt.Sprintf("%d", s.MudPort))
}

// State returns the telnet connection state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the MUD (TLS first, plain fallback) and starts the read
// loop. A concurrent Close cancels the attempt.
func (s *Session) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		cancel()
		return ErrClosedDuringConnect
	}
	s.cancelConnect = cancel
	s.mu.Unlock()

	conn, err := dialTelnet(dialCtx, s.MudHost, s.MudPort)

	s.mu.Lock()
	s.cancelConnect = nil
	if s.closing {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosedDuringConnect
	}
	if err != nil {
		s.state = StateClosed
		s.mu.Unlock()
		return fmt.Errorf("session %s: connect to %s failed: %w", s.ID, s.WorldName(), err)
	}
	s.conn = conn
	s.state = StateConnected
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		s.parser.SetLocalIP(addr.IP.String())
	}
	s.mu.Unlock()

	log.Printf("INFO: Session %s connected to %s", s.ID, s.WorldName())
	go s.readLoop(conn)
	return nil
}

// readLoop pumps server bytes through the parser until the connection dies.
func (s *Session) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.handleServerBytes(conn, buf[:n])
		}
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if !closing {
				logging.Debug("session %s: telnet read ended: %v", s.ID, err)
				if s.events != nil {
					s.events.TelnetClosed(s, err)
				}
			}
			return
		}
	}
}

// handleServerBytes parses one chunk of raw MUD output, buffers the results
// and broadcasts them to attached clients.
func (s *Session) handleServerBytes(conn net.Conn, data []byte) {
	s.mu.Lock()
	res := s.parser.Process(data)
	if len(res.Response) > 0 {
		if _, err := conn.Write(res.Response); err != nil {
			logging.Debug("session %s: negotiation write failed: %v", s.ID, err)
		}
	}
	if s.parser.UTF8() && !s.encoder.UTF8() {
		log.Printf("INFO: Session %s: CHARSET negotiated, switching to UTF-8", s.ID)
		s.encoder.SetUTF8(true)
	}

	var chunks []buffer.Chunk
	if len(res.Text) > 0 {
		chunks = append(chunks, s.buf.Append(res.Text, buffer.Data, "", ""))
	}
	for _, msg := range res.GMCP {
		payload := msg.Package
		if msg.Data != "" {
			payload += " " + msg.Data
		}
		chunks = append(chunks, s.buf.Append([]byte(payload), buffer.GMCP, msg.Package, msg.Data))
	}
	if len(chunks) == 0 {
		s.mu.Unlock()
		return
	}

	targets := make([]Transport, 0, len(s.clients))
	for t := range s.clients {
		targets = append(targets, t)
	}
	latestSeq := chunks[len(chunks)-1].Sequence
	s.mu.Unlock()

	// Broadcast outside the lock. Failed transports are collected and
	// detached after the loop so one dead client never stalls the rest.
	var failed []Transport
	for _, t := range targets {
		ok := true
		for _, chunk := range chunks {
			if err := t.SendChunk(chunk); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			failed = append(failed, t)
		}
	}
	for _, t := range failed {
		log.Printf("WARN: Session %s: dropping unresponsive client", s.ID)
		s.Detach(t)
		t.Close()
	}

	if len(targets) == len(failed) && s.events != nil && len(res.Text) > 0 {
		s.events.UnattachedOutput(s, string(res.Text), latestSeq)
	}
}

// Attach adds a client transport. Returns false once the session is closing.
func (s *Session) Attach(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.clients[t] = struct{}{}
	s.lastClientAttachAt = time.Now()
	return true
}

// Detach removes a client transport. The telnet connection is untouched.
func (s *Session) Detach(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[t]; !ok {
		return
	}
	delete(s.clients, t)
	// Detach also refreshes the TTL clock so a session only expires after
	// a full idle period with nobody attached.
	s.lastClientAttachAt = time.Now()
}

// Transports returns a snapshot of the attached client transports.
func (s *Session) Transports() []Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transport, 0, len(s.clients))
	for t := range s.clients {
		out = append(out, t)
	}
	return out
}

// HasClients reports whether any transport is attached.
func (s *Session) HasClients() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients) > 0
}

// ClientCount returns the number of attached transports.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// LastClientAttachAt returns the last attach/detach transition time, the
// basis for TTL reaping.
func (s *Session) LastClientAttachAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastClientAttachAt
}

// ReplayTo sends every retained chunk newer than lastSeq to one transport,
// oldest first.
func (s *Session) ReplayTo(t Transport, lastSeq uint64) error {
	for _, chunk := range s.buf.ReplayFrom(lastSeq) {
		if err := t.SendChunk(chunk); err != nil {
			return fmt.Errorf("session %s: replay failed: %w", s.ID, err)
		}
	}
	return nil
}

// LastSequence exposes the newest retained sequence, 0 when empty.
func (s *Session) LastSequence() uint64 { return s.buf.LastSequence() }

// BufferStats exposes buffer occupancy for diagnostics.
func (s *Session) BufferStats() buffer.Stats { return s.buf.Stats() }

// SendToMud encodes client text for the MUD (Latin-1 until CHARSET settles
// on UTF-8) and writes it with IAC escaping.
func (s *Session) SendToMud(text string) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	passwordMode := s.parser.PasswordMode()
	s.mu.Unlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}
	if !passwordMode {
		logging.Debug("session %s: client input %d bytes", s.ID, len(text))
	}

	data := telnet.EscapeIAC(s.encoder.Encode([]byte(text)))
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("session %s: write to mud failed: %w", s.ID, err)
	}
	return nil
}

// UpdateWindowSize records new client dimensions and, when the server asked
// for NAWS, emits the size subnegotiation.
func (s *Session) UpdateWindowSize(width, height int) error {
	s.mu.Lock()
	if width > 0 {
		s.width = width
	}
	if height > 0 {
		s.height = height
	}
	s.parser.SetWindowSize(s.width, s.height)
	conn := s.conn
	state := s.state
	active := s.parser.NAWSActive()
	w, h := s.width, s.height
	s.mu.Unlock()

	if !active || state != StateConnected || conn == nil {
		return nil
	}
	if _, err := conn.Write(telnet.NAWSSubneg(w, h)); err != nil {
		return fmt.Errorf("session %s: NAWS write failed: %w", s.ID, err)
	}
	return nil
}

// WindowSize returns the last known client dimensions.
func (s *Session) WindowSize() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// SetActivityToken stores the live-activity push token.
func (s *Session) SetActivityToken(token string) {
	s.mu.Lock()
	s.activityPushToken = token
	s.mu.Unlock()
}

// ActivityToken returns the stored live-activity push token.
func (s *Session) ActivityToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activityPushToken
}

// Close terminates the session: a pending connect is cancelled, attached
// clients are closed, the telnet socket destroyed, the buffer cleared.
// Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.state = StateClosed
	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}
	conn := s.conn
	s.conn = nil
	clients := make([]Transport, 0, len(s.clients))
	for t := range s.clients {
		clients = append(clients, t)
	}
	s.clients = make(map[Transport]struct{})
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, t := range clients {
		t.Close()
	}
	s.buf.Clear()
	log.Printf("INFO: Session %s closed", s.ID)
}
