package telnet

import (
	"fmt"
	"strings"

	"github.com/mudlink/mudlink/internal/logging"
)

// parserState tracks the IAC state machine.
type parserState int

const (
	stateText parserState = iota
	stateIAC
	stateNegotiation
	stateSubneg
	stateSubnegIAC
)

// maxSubnegBytes bounds a single subnegotiation payload. GMCP messages can
// run to a few kilobytes; anything past the cap is silently discarded.
const maxSubnegBytes = 16384

// GMCPMessage is one extracted GMCP subnegotiation payload. Data is the raw
// string after the package name; JSON parsing is the dispatcher's concern.
type GMCPMessage struct {
	Package string
	Data    string
}

// Result is the output of one Process call. Response holds negotiation bytes
// owed to the MUD; the caller writes them back on the telnet connection.
type Result struct {
	Text     []byte
	GMCP     []GMCPMessage
	Response []byte
}

// Parser consumes the raw byte stream from one MUD connection. State persists
// between Process calls, so IAC sequences split across reads are handled.
// A Parser is owned by a single session's read loop and is not safe for
// concurrent use.
type Parser struct {
	clientName    string
	clientVersion string

	state          parserState
	negotiationCmd byte
	subnegOption   byte
	subnegBuf      []byte

	// answered gates the accept/refuse reply per option so negotiation
	// loops terminate (first response wins).
	answered map[byte]bool

	ttypeQueue []string
	ttypeNext  int

	passwordMode bool
	utf8         bool
	gmcpActive   bool
	nawsActive   bool

	width   int
	height  int
	localIP string
}

// NewParser creates a parser announcing the given client name and version
// during GMCP, TTYPE and MSDP negotiation.
func NewParser(clientName, clientVersion string) *Parser {
	return &Parser{
		clientName:    clientName,
		clientVersion: clientVersion,
		answered:      make(map[byte]bool),
		ttypeQueue:    []string{clientName, "XTERM-256color", "MTTS 141"},
		width:         80,
		height:        24,
	}
}

// SetWindowSize records the client's window size for NAWS replies.
func (p *Parser) SetWindowSize(width, height int) {
	if width > 0 {
		p.width = width
	}
	if height > 0 {
		p.height = height
	}
}

// SetLocalIP records the address reported via NEW-ENVIRON IPADDRESS.
func (p *Parser) SetLocalIP(ip string) { p.localIP = ip }

// PasswordMode reports whether the server has enabled remote echo, which by
// MUD convention means a password prompt is active and input must not be
// logged or buffered in clear.
func (p *Parser) PasswordMode() bool { return p.passwordMode }

// UTF8 reports whether CHARSET negotiation settled on UTF-8, flipping the
// outbound encoding from Latin-1.
func (p *Parser) UTF8() bool { return p.utf8 }

// NAWSActive reports whether the server asked for window size updates.
func (p *Parser) NAWSActive() bool { return p.nawsActive }

// Process consumes a chunk of raw server bytes and returns the cleaned text,
// any extracted GMCP messages, and negotiation responses to send back.
// Process never fails: malformed sequences fall back to text state.
func (p *Parser) Process(data []byte) Result {
	var res Result
	res.Text = make([]byte, 0, len(data))

	for _, b := range data {
		switch p.state {
		case stateText:
			if b == IAC {
				p.state = stateIAC
			} else {
				res.Text = append(res.Text, b)
			}

		case stateIAC:
			switch b {
			case IAC:
				// Escaped 0xFF: literal data byte.
				res.Text = append(res.Text, IAC)
				p.state = stateText
			case WILL, WONT, DO, DONT:
				p.negotiationCmd = b
				p.state = stateNegotiation
			case SB:
				p.negotiationCmd = SB
				p.state = stateNegotiation
			case NOP, DM, BRK, IP, AO, AYT, EC, EL, GA, EOR:
				p.state = stateText
			default:
				p.state = stateText
			}

		case stateNegotiation:
			if p.negotiationCmd == SB {
				p.subnegOption = b
				p.subnegBuf = p.subnegBuf[:0]
				p.state = stateSubneg
			} else {
				p.handleNegotiation(p.negotiationCmd, b, &res)
				p.state = stateText
			}

		case stateSubneg:
			if b == IAC {
				p.state = stateSubnegIAC
			} else if len(p.subnegBuf) < maxSubnegBytes {
				p.subnegBuf = append(p.subnegBuf, b)
			}

		case stateSubnegIAC:
			switch b {
			case SE:
				p.handleSubnegotiation(&res)
				p.state = stateText
			case IAC:
				if len(p.subnegBuf) < maxSubnegBytes {
					p.subnegBuf = append(p.subnegBuf, IAC)
				}
				p.state = stateSubneg
			default:
				// Malformed subnegotiation: tolerate and resync.
				p.state = stateText
			}
		}
	}
	return res
}

func (p *Parser) reply(res *Result, cmd, opt byte) {
	res.Response = append(res.Response, IAC, cmd, opt)
}

// handleNegotiation answers a WILL/WONT/DO/DONT for one option. The
// accept/refuse reply is sent at most once per option; stateful effects
// (ECHO password mode) apply every time.
func (p *Parser) handleNegotiation(cmd, opt byte, res *Result) {
	logging.Debug("telnet: negotiation cmd=%d opt=%d", cmd, opt)

	// ECHO carries session state in both directions and gets no ack on
	// the wire.
	if opt == OptEcho {
		switch cmd {
		case WILL:
			p.passwordMode = true
		case WONT:
			p.passwordMode = false
		}
		return
	}

	if cmd == WONT || cmd == DONT {
		return
	}
	if p.answered[opt] {
		return
	}
	p.answered[opt] = true

	switch opt {
	case OptGMCP:
		if cmd == DO {
			p.reply(res, WILL, OptGMCP)
		} else {
			p.reply(res, DO, OptGMCP)
		}
		p.gmcpActive = true
		hello := fmt.Sprintf(`Core.Hello {"client":%q,"version":%q}`, p.clientName, p.clientVersion)
		res.Response = append(res.Response, gmcpSubneg(hello)...)

	case OptTTYPE:
		if cmd == DO {
			p.reply(res, WILL, OptTTYPE)
		} else {
			p.reply(res, DONT, OptTTYPE)
		}

	case OptMSDP:
		if cmd == WILL {
			p.reply(res, DO, OptMSDP)
			res.Response = append(res.Response, p.msdpClientInfo()...)
		} else {
			p.reply(res, WONT, OptMSDP)
		}

	case OptMXP:
		if cmd == DO {
			p.reply(res, WILL, OptMXP)
		} else {
			p.reply(res, DO, OptMXP)
		}

	case OptNewEnviron:
		if cmd == DO {
			p.reply(res, WILL, OptNewEnviron)
		} else {
			p.reply(res, DONT, OptNewEnviron)
		}

	case OptSGA:
		p.reply(res, WONT, OptSGA)

	case OptNAWS:
		if cmd == DO {
			p.nawsActive = true
			p.reply(res, WILL, OptNAWS)
			res.Response = append(res.Response, NAWSSubneg(p.width, p.height)...)
		} else {
			p.reply(res, WONT, OptNAWS)
		}

	case OptCharset:
		if cmd == DO || cmd == WILL {
			p.reply(res, WILL, OptCharset)
		}

	case OptMCCP2:
		// Declined: keeping the stream uncompressed keeps replayed bytes
		// exact and the parser free of zlib state.
		if cmd == WILL {
			p.reply(res, DONT, OptMCCP2)
		} else {
			p.reply(res, WONT, OptMCCP2)
		}

	default:
		if cmd == DO {
			p.reply(res, WONT, opt)
		} else {
			p.reply(res, DONT, opt)
		}
	}
}

// handleSubnegotiation processes a completed IAC SB ... IAC SE block.
func (p *Parser) handleSubnegotiation(res *Result) {
	switch p.subnegOption {
	case OptGMCP:
		payload := string(p.subnegBuf)
		pkg, data := payload, ""
		if idx := strings.IndexByte(payload, ' '); idx >= 0 {
			pkg, data = payload[:idx], payload[idx+1:]
		}
		pkg = strings.TrimSpace(pkg)
		if pkg != "" {
			res.GMCP = append(res.GMCP, GMCPMessage{Package: pkg, Data: data})
		}

	case OptTTYPE:
		if len(p.subnegBuf) >= 1 && p.subnegBuf[0] == TTypeSend {
			name := p.nextTerminalType()
			out := []byte{IAC, SB, OptTTYPE, TTypeIs}
			out = append(out, []byte(name)...)
			out = append(out, IAC, SE)
			res.Response = append(res.Response, out...)
		}

	case OptNewEnviron:
		if len(p.subnegBuf) >= 1 && p.subnegBuf[0] == NewEnvSend {
			out := []byte{IAC, SB, OptNewEnviron, NewEnvIs, NewEnvVar}
			out = append(out, []byte("IPADDRESS")...)
			out = append(out, NewEnvValue)
			out = append(out, []byte(p.localIP)...)
			out = append(out, IAC, SE)
			res.Response = append(res.Response, out...)
		}

	case OptCharset:
		if len(p.subnegBuf) >= 1 && p.subnegBuf[0] == CharsetRequest {
			res.Response = append(res.Response, p.charsetReply(p.subnegBuf[1:])...)
		}

	default:
		logging.Debug("telnet: ignoring subnegotiation for option %d (%d bytes)", p.subnegOption, len(p.subnegBuf))
	}
}

// nextTerminalType pops the next TTYPE rotation value; once exhausted the
// last value repeats, per MTTS convention.
func (p *Parser) nextTerminalType() string {
	idx := p.ttypeNext
	if idx >= len(p.ttypeQueue) {
		idx = len(p.ttypeQueue) - 1
	} else {
		p.ttypeNext++
	}
	return p.ttypeQueue[idx]
}

// charsetReply accepts UTF-8 when offered and rejects anything else. The
// request payload is a separator byte followed by separator-delimited names.
func (p *Parser) charsetReply(req []byte) []byte {
	accepted := false
	if len(req) > 1 {
		sep := string(req[:1])
		for _, name := range strings.Split(string(req[1:]), sep) {
			if strings.EqualFold(strings.TrimSpace(name), "UTF-8") {
				accepted = true
				break
			}
		}
	}

	if !accepted {
		return []byte{IAC, SB, OptCharset, CharsetRejected, IAC, SE}
	}
	p.utf8 = true
	out := []byte{IAC, SB, OptCharset, CharsetAccepted}
	out = append(out, []byte("UTF-8")...)
	return append(out, IAC, SE)
}

// msdpClientInfo reports our client identity and capabilities via MSDP.
func (p *Parser) msdpClientInfo() []byte {
	out := []byte{IAC, SB, OptMSDP}
	pairs := [][2]string{
		{"CLIENT_ID", p.clientName},
		{"CLIENT_VERSION", p.clientVersion},
		{"XTERM_256_COLORS", "1"},
		{"MXP", "1"},
		{"UTF_8", "1"},
	}
	for _, kv := range pairs {
		out = append(out, MSDPVar)
		out = append(out, []byte(kv[0])...)
		out = append(out, MSDPVal)
		out = append(out, []byte(kv[1])...)
	}
	return append(out, IAC, SE)
}

func gmcpSubneg(payload string) []byte {
	out := []byte{IAC, SB, OptGMCP}
	out = append(out, EscapeIAC([]byte(payload))...)
	return append(out, IAC, SE)
}
