package push

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/mudlink/mudlink/internal/logging"
	"github.com/mudlink/mudlink/internal/trigger"
)

const (
	apnsProductionHost = "https://api.push.apple.com"
	apnsSandboxHost    = "https://api.sandbox.push.apple.com"

	// Apple rejects provider tokens older than an hour; refresh before.
	apnsTokenLifetime = 50 * time.Minute
)

// APNSConfig holds the provider credentials for token-based APNS auth.
type APNSConfig struct {
	KeyPath  string
	KeyID    string
	TeamID   string
	BundleID string
	Sandbox  bool
}

// APNSClient implements Notifier over APNS HTTP/2 with ES256 provider
// tokens.
type APNSClient struct {
	cfg    APNSConfig
	host   string
	key    *ecdsa.PrivateKey
	client *http.Client

	mu          sync.Mutex
	cachedToken string
	tokenIssued time.Time
}

// NewAPNSClient loads the .p8 signing key and prepares the HTTP/2 transport.
func NewAPNSClient(cfg APNSConfig) (*APNSClient, error) {
	if cfg.KeyPath == "" || cfg.KeyID == "" || cfg.TeamID == "" || cfg.BundleID == "" {
		return nil, errors.New("apns: key path, key id, team id and bundle id are all required")
	}

	raw, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("apns: failed to read key %s: %w", cfg.KeyPath, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("apns: no PEM block in %s", cfg.KeyPath)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("apns: failed to parse key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("apns: key is not an ECDSA private key")
	}

	host := apnsProductionHost
	if cfg.Sandbox {
		host = apnsSandboxHost
	}

	return &APNSClient{
		cfg:  cfg,
		host: host,
		key:  key,
		client: &http.Client{
			Transport: &http2.Transport{},
			Timeout:   10 * time.Second,
		},
	}, nil
}

// bearerToken returns a cached ES256 provider token, minting a new one when
// the cached token nears Apple's one-hour limit.
func (c *APNSClient) bearerToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.cachedToken != "" && now.Sub(c.tokenIssued) < apnsTokenLifetime {
		return c.cachedToken, nil
	}

	header, _ := json.Marshal(map[string]string{"alg": "ES256", "kid": c.cfg.KeyID})
	claims, _ := json.Marshal(map[string]any{"iss": c.cfg.TeamID, "iat": now.Unix()})
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(claims)

	digest := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, c.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("apns: failed to sign token: %w", err)
	}

	// JWS wants the raw fixed-width R||S form, not ASN.1.
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	c.cachedToken = signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
	c.tokenIssued = now
	return c.cachedToken, nil
}

// post delivers one push. True means APNS answered 2xx.
func (c *APNSClient) post(deviceToken, topic, pushType, priority string, payload any) bool {
	bearer, err := c.bearerToken()
	if err != nil {
		log.Printf("ERROR: APNS: %v", err)
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ERROR: APNS: failed to encode payload: %v", err)
		return false
	}

	req, err := http.NewRequest(http.MethodPost, c.host+"/3/device/"+deviceToken, bytes.NewReader(body))
	if err != nil {
		log.Printf("ERROR: APNS: %v", err)
		return false
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", topic)
	req.Header.Set("apns-push-type", pushType)
	req.Header.Set("apns-priority", priority)
	req.Header.Set("content-type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("WARN: APNS: request failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var apnsErr struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apnsErr)
		log.Printf("WARN: APNS: status %d reason=%s push-type=%s", resp.StatusCode, apnsErr.Reason, pushType)
		return false
	}
	logging.Debug("apns: delivered %s push", pushType)
	return true
}

// SendSilentPush delivers a low-priority background push that wakes the app
// to resync its session.
func (c *APNSClient) SendSilentPush(deviceToken, sessionID string) bool {
	payload := map[string]any{
		"aps":       map[string]any{"content-available": 1},
		"sessionId": sessionID,
	}
	return c.post(deviceToken, c.cfg.BundleID, "background", "5", payload)
}

// SendActivityPush updates the live activity with the session snapshot.
func (c *APNSClient) SendActivityPush(activityToken string, content ActivityContent) bool {
	payload := map[string]any{
		"aps": map[string]any{
			"timestamp":     time.Now().Unix(),
			"event":         "update",
			"content-state": content,
		},
	}
	topic := c.cfg.BundleID + ".push-type.liveactivity"
	return c.post(activityToken, topic, "liveactivity", "10", payload)
}

// SendNotification delivers a user-visible alert for a trigger match.
func (c *APNSClient) SendNotification(deviceToken string, match trigger.Match, sessionID string) bool {
	title := alertTitle(match)
	body := match.Message
	if body == "" {
		body = match.MatchedText
	}

	payload := map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{"title": title, "body": body},
			"sound": "default",
		},
		"sessionId": sessionID,
		"triggerId": match.TriggerID,
	}
	return c.post(deviceToken, c.cfg.BundleID, "alert", "10", payload)
}

func alertTitle(match trigger.Match) string {
	switch match.TriggerType {
	case trigger.TypeTell:
		if match.Sender != "" {
			return match.Sender + " tells you"
		}
		return "New tell"
	case trigger.TypeCombat:
		return "You are under attack"
	case trigger.TypeDeath:
		return "You have died"
	default:
		if match.Sender != "" {
			return match.Sender
		}
		return "MUD alert"
	}
}
