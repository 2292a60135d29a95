// Package push wakes absent clients. When a session has no attached
// transport and new output arrives, the scheduler decides between a silent
// background push and a live-activity update, tracks acknowledgements, and
// backs off when the device stays quiet.
package push

import (
	"log"
	"time"

	"github.com/mudlink/mudlink/internal/trigger"
)

// ActivityContent is the structured state carried by a live-activity push.
type ActivityContent struct {
	Status            string    `json:"status"`
	WorldName         string    `json:"worldName"`
	LastOutputSnippet string    `json:"lastOutputSnippet"`
	ConnectedSince    time.Time `json:"connectedSince"`
	LastSyncTime      time.Time `json:"lastSyncTime"`
}

// Notifier delivers pushes to a device. Implementations return true only
// when the remote acknowledged with a 2xx-equivalent status; retries and
// credential refresh are the implementation's concern.
type Notifier interface {
	SendSilentPush(deviceToken, sessionID string) bool
	SendActivityPush(activityToken string, content ActivityContent) bool
	SendNotification(deviceToken string, match trigger.Match, sessionID string) bool
}

// LogNotifier logs pushes instead of delivering them. Used when no APNS
// credentials are configured, so the rest of the pipeline stays exercised.
type LogNotifier struct{}

func (LogNotifier) SendSilentPush(deviceToken, sessionID string) bool {
	log.Printf("INFO: Push (dry-run): silent push for session %s", sessionID)
	return true
}

func (LogNotifier) SendActivityPush(activityToken string, content ActivityContent) bool {
	log.Printf("INFO: Push (dry-run): activity update %q for world %s", content.LastOutputSnippet, content.WorldName)
	return true
}

func (LogNotifier) SendNotification(deviceToken string, match trigger.Match, sessionID string) bool {
	log.Printf("INFO: Push (dry-run): %s notification for session %s", match.TriggerType, sessionID)
	return true
}
