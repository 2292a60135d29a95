// Package terminalio handles byte encoding for the MUD-facing side of a
// session. Legacy MUDs expect Latin-1; once CHARSET negotiation settles on
// UTF-8 the session flips to pass-through.
package terminalio

import (
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// OutboundEncoder converts client-origin UTF-8 text into the byte stream the
// MUD expects. The zero mode is Latin-1 with unsupported runes replaced;
// after SetUTF8(true) input passes through unchanged.
type OutboundEncoder struct {
	mu      sync.Mutex
	utf8    bool
	encoder transform.Transformer
}

// NewOutboundEncoder creates an encoder in Latin-1 mode.
func NewOutboundEncoder() *OutboundEncoder {
	return &OutboundEncoder{
		encoder: encoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder()),
	}
}

// SetUTF8 switches to UTF-8 pass-through (true) or back to Latin-1 (false).
func (e *OutboundEncoder) SetUTF8(enabled bool) {
	e.mu.Lock()
	e.utf8 = enabled
	e.mu.Unlock()
}

// UTF8 reports the current mode.
func (e *OutboundEncoder) UTF8() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.utf8
}

// Encode converts p to the MUD's expected encoding. In Latin-1 mode runes
// outside ISO 8859-1 are replaced rather than dropped, so prompt alignment
// on the far side is preserved.
func (e *OutboundEncoder) Encode(p []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.utf8 {
		return p
	}
	out, _, err := transform.Bytes(e.encoder, p)
	if err != nil {
		// ReplaceUnsupported makes the encoder total; an error here means
		// invalid UTF-8 input, which we forward as-is.
		return p
	}
	return out
}
