// Package proxy is the client-facing half of mudlink: the WebSocket server,
// the per-connection transport, and the JSON message dispatcher that binds
// client operations to sessions.
package proxy

import (
	"encoding/base64"
	"encoding/json"

	"github.com/mudlink/mudlink/internal/buffer"
)

// Error codes surfaced to clients.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeInvalidResume    = "invalid_resume"
	CodeSessionExpired   = "session_expired"
	CodeRateLimited      = "rate_limited"
	CodeConnectionFailed = "connection_failed"
)

// clientMessage is the inbound union, discriminated by Type. Unused fields
// stay zero for kinds that do not carry them.
type clientMessage struct {
	Type        string `json:"type"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	DeviceToken string `json:"deviceToken"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Debug       bool   `json:"debug"`
	SessionID   string `json:"sessionId"`
	Token       string `json:"token"`
	LastSeq     uint64 `json:"lastSeq"`
	Text        string `json:"text"`
}

type sessionMessage struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"sessionId"`
	Token        string   `json:"token"`
	Capabilities []string `json:"capabilities"`
}

type dataMessage struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq"`
	Payload string `json:"payload"`
}

type gmcpMessage struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq"`
	Package string          `json:"package"`
	Data    json.RawMessage `json:"data"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type disconnectedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func newSessionMessage(id, token string) sessionMessage {
	return sessionMessage{
		Type:         "session",
		SessionID:    id,
		Token:        token,
		Capabilities: []string{"activityToken", "syncAck"},
	}
}

func newErrorMessage(code, message string) errorMessage {
	return errorMessage{Type: "error", Code: code, Message: message}
}

// chunkMessage converts one buffered chunk to its wire form: raw output as a
// base64 data message, GMCP as a structured gmcp message.
func chunkMessage(chunk buffer.Chunk) any {
	if chunk.Kind == buffer.GMCP {
		return gmcpMessage{
			Type:    "gmcp",
			Seq:     chunk.Sequence,
			Package: chunk.GMCPPackage,
			Data:    gmcpDataJSON(chunk.GMCPData),
		}
	}
	return dataMessage{
		Type:    "data",
		Seq:     chunk.Sequence,
		Payload: base64.StdEncoding.EncodeToString(chunk.Payload),
	}
}

// gmcpDataJSON passes valid JSON through untouched and wraps anything else
// so malformed MUD output never breaks the client's decoder.
func gmcpDataJSON(data string) json.RawMessage {
	if data == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(data)) {
		return json.RawMessage(data)
	}
	wrapped, err := json.Marshal(map[string]string{"raw": data})
	if err != nil {
		return json.RawMessage("{}")
	}
	return wrapped
}
