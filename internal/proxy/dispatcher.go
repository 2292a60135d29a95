package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/mudlink/mudlink/internal/config"
	"github.com/mudlink/mudlink/internal/logging"
	"github.com/mudlink/mudlink/internal/push"
	"github.com/mudlink/mudlink/internal/session"
	"github.com/mudlink/mudlink/internal/trigger"
)

// clientConn is what the dispatcher needs from a connected client. *Client
// satisfies it; tests substitute a fake.
type clientConn interface {
	session.Transport
	Send(v any) error
	RemoteIP() string
}

// Dispatcher routes inbound client messages to sessions and feeds
// unattended session output into the trigger and push pipelines. It also
// implements session.Events.
type Dispatcher struct {
	cfg       *config.Config
	manager   *session.Manager
	matcher   *trigger.Matcher
	scheduler *push.Scheduler
	notifier  push.Notifier
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(cfg *config.Config, manager *session.Manager, matcher *trigger.Matcher, scheduler *push.Scheduler, notifier push.Notifier) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		manager:   manager,
		matcher:   matcher,
		scheduler: scheduler,
		notifier:  notifier,
	}
}

// HandleMessage decodes one inbound frame and dispatches on its type.
// Unknown or malformed frames answer invalid_request; the connection stays
// open.
func (d *Dispatcher) HandleMessage(c clientConn, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.sendError(c, CodeInvalidRequest, "malformed JSON message")
		return
	}

	switch msg.Type {
	case "connect":
		d.handleConnect(c, msg)
	case "resume":
		d.handleResume(c, msg)
	case "activityToken":
		d.handleActivityToken(c, msg)
	case "syncAck":
		d.handleSyncAck(c, msg)
	case "input":
		d.handleInput(c, msg)
	case "naws":
		d.handleNaws(c, msg)
	case "disconnect":
		d.handleDisconnect(c)
	default:
		d.sendError(c, CodeInvalidRequest, "unknown message type: "+msg.Type)
	}
}

func (d *Dispatcher) handleConnect(c clientConn, msg clientMessage) {
	host, port := msg.Host, msg.Port
	if host == "" {
		host = d.cfg.TNHost
	}
	if port == 0 {
		port = d.cfg.TNPort
	}
	if d.cfg.OnlyAllowDefaultServer && (host != d.cfg.TNHost || port != d.cfg.TNPort) {
		d.sendError(c, CodeInvalidRequest, "custom servers are not allowed")
		return
	}

	res := d.manager.Admit(msg.DeviceToken, c.RemoteIP())
	if !res.Allowed {
		d.sendError(c, CodeRateLimited, res.Reason)
		return
	}
	for _, evicted := range res.Evicted {
		d.scheduler.Untrack(evicted.ID)
	}

	sess := d.manager.Create(host, port, msg.DeviceToken, c.RemoteIP(),
		d.cfg.BufferSizeKB*1024, d.cfg.ClientName, d.cfg.ClientVersion, d)
	if !d.manager.AttachTransport(sess.ID, c) {
		d.manager.Remove(sess.ID)
		d.sendError(c, CodeConnectionFailed, "session closed before attach")
		return
	}
	if msg.Width > 0 || msg.Height > 0 {
		sess.UpdateWindowSize(msg.Width, msg.Height)
	}
	if msg.Debug {
		logging.Debug("session %s: client requested negotiation debug", sess.ID)
	}

	if err := c.Send(newSessionMessage(sess.ID, sess.AuthToken)); err != nil {
		d.manager.Remove(sess.ID)
		return
	}

	go func() {
		err := sess.Connect(context.Background())
		if err == nil {
			return
		}
		if !errors.Is(err, session.ErrClosedDuringConnect) {
			log.Printf("WARN: %v", err)
			d.sendError(c, CodeConnectionFailed, "could not connect to server")
		}
		d.manager.Remove(sess.ID)
	}()
}

func (d *Dispatcher) handleResume(c clientConn, msg clientMessage) {
	sess := d.manager.Get(msg.SessionID)
	if sess == nil || !d.manager.ValidateToken(msg.SessionID, msg.Token) {
		d.sendError(c, CodeInvalidResume, "unknown session or bad token")
		return
	}
	if d.manager.Expired(sess) {
		d.sendError(c, CodeSessionExpired, "session timed out")
		d.manager.Remove(sess.ID)
		d.scheduler.Untrack(sess.ID)
		return
	}

	if !d.manager.AttachTransport(sess.ID, c) {
		d.sendError(c, CodeInvalidResume, "session is closing")
		return
	}
	// The client is back in the foreground; stop waking it.
	d.scheduler.Untrack(sess.ID)

	logging.Debug("session %s: resumed from seq %d", sess.ID, msg.LastSeq)
	if err := sess.ReplayTo(c, msg.LastSeq); err != nil {
		logging.Debug("%v", err)
	}
}

func (d *Dispatcher) handleActivityToken(c clientConn, msg clientMessage) {
	sess := d.manager.SessionForTransport(c)
	if sess == nil {
		d.sendError(c, CodeInvalidRequest, "no session for this connection")
		return
	}
	sess.SetActivityToken(msg.Token)
}

func (d *Dispatcher) handleSyncAck(c clientConn, msg clientMessage) {
	id := msg.SessionID
	if id == "" {
		if sess := d.manager.SessionForTransport(c); sess != nil {
			id = sess.ID
		}
	}
	if id == "" {
		d.sendError(c, CodeInvalidRequest, "syncAck without session")
		return
	}
	d.scheduler.RecordSyncAck(id, msg.LastSeq)
}

func (d *Dispatcher) handleInput(c clientConn, msg clientMessage) {
	sess := d.manager.SessionForTransport(c)
	if sess == nil {
		d.sendError(c, CodeInvalidRequest, "no session for this connection")
		return
	}
	if err := sess.SendToMud(msg.Text); err != nil {
		d.sendError(c, CodeConnectionFailed, "server connection lost")
	}
}

func (d *Dispatcher) handleNaws(c clientConn, msg clientMessage) {
	sess := d.manager.SessionForTransport(c)
	if sess == nil {
		d.sendError(c, CodeInvalidRequest, "no session for this connection")
		return
	}
	if err := sess.UpdateWindowSize(msg.Width, msg.Height); err != nil {
		logging.Debug("%v", err)
	}
}

func (d *Dispatcher) handleDisconnect(c clientConn) {
	sess := d.manager.SessionForTransport(c)
	if sess == nil {
		d.sendError(c, CodeInvalidRequest, "no session for this connection")
		return
	}
	c.Send(disconnectedMessage{Type: "disconnected", SessionID: sess.ID})
	d.scheduler.Untrack(sess.ID)
	d.manager.Remove(sess.ID)
}

// OnClientDisconnect detaches a dropped transport. The session stays alive;
// once nobody is attached it goes under push tracking.
func (d *Dispatcher) OnClientDisconnect(c clientConn) {
	sess := d.manager.DetachTransport(c)
	if sess == nil {
		return
	}
	if sess.HasClients() || sess.State() == session.StateClosed {
		return
	}
	d.trackForPush(sess)
}

func (d *Dispatcher) trackForPush(sess *session.Session) {
	if sess.DeviceToken == "" && sess.ActivityToken() == "" {
		return
	}
	d.scheduler.Track(push.TrackRequest{
		SessionID:      sess.ID,
		WorldName:      sess.WorldName(),
		ConnectedSince: sess.CreatedAt,
		DeviceToken:    sess.DeviceToken,
		ActivityToken:  sess.ActivityToken(),
		LastSeq:        sess.LastSequence(),
	})
}

// UnattachedOutput implements session.Events: buffered text arriving with no
// client attached feeds the trigger matcher (alert pushes) and the push
// scheduler (resync pushes). The two paths are independent.
func (d *Dispatcher) UnattachedOutput(sess *session.Session, text string, latestSeq uint64) {
	if match := d.matcher.Match(text, sess.ID); match != nil && sess.DeviceToken != "" {
		if !d.notifier.SendNotification(sess.DeviceToken, *match, sess.ID) {
			log.Printf("WARN: Push: %s notification failed for session %s", match.TriggerType, sess.ID)
		}
	}
	d.scheduler.OnBufferedOutput(sess.ID, latestSeq, text)
}

// TelnetClosed implements session.Events: the MUD side died, so attached
// clients are told and the session is torn down.
func (d *Dispatcher) TelnetClosed(sess *session.Session, err error) {
	log.Printf("WARN: Session %s: server connection closed: %v", sess.ID, err)
	for _, t := range sess.Transports() {
		if c, ok := t.(clientConn); ok {
			c.Send(newErrorMessage(CodeConnectionFailed, "server closed the connection"))
			c.Send(disconnectedMessage{Type: "disconnected", SessionID: sess.ID})
		}
	}
	d.scheduler.Untrack(sess.ID)
	d.manager.Remove(sess.ID)
}

func (d *Dispatcher) sendError(c clientConn, code, message string) {
	if err := c.Send(newErrorMessage(code, message)); err != nil {
		logging.Debug("proxy: failed to send error %s: %v", code, err)
	}
}

// Maintenance intervals used by the cron wiring in cmd/mudlink.
const (
	TriggerEntryMaxAge = 48 * time.Hour
	PushSweepMaxAge    = 48 * time.Hour
)
