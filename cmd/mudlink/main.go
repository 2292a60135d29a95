package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/term"

	"github.com/mudlink/mudlink/internal/config"
	"github.com/mudlink/mudlink/internal/logging"
	"github.com/mudlink/mudlink/internal/proxy"
	"github.com/mudlink/mudlink/internal/push"
	"github.com/mudlink/mudlink/internal/session"
	"github.com/mudlink/mudlink/internal/trigger"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug || os.Getenv("DEBUG") == "1" {
		logging.DebugEnabled = true
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("ERROR: %v", err)
		os.Exit(1)
	}

	var notifier push.Notifier
	if cfg.APNSConfigured() {
		apns, err := push.NewAPNSClient(push.APNSConfig{
			KeyPath:  cfg.APNSKeyPath,
			KeyID:    cfg.APNSKeyID,
			TeamID:   cfg.APNSTeamID,
			BundleID: cfg.APNSBundleID,
			Sandbox:  cfg.APNSSandbox,
		})
		if err != nil {
			log.Printf("ERROR: %v", err)
			os.Exit(1)
		}
		notifier = apns
		log.Printf("INFO: APNS notifier enabled (sandbox=%t)", cfg.APNSSandbox)
	} else {
		notifier = push.LogNotifier{}
		log.Printf("INFO: APNS credentials not set, pushes run dry")
	}

	manager := session.NewManager(session.Limits{
		SessionTTL:   time.Duration(cfg.SessionTimeoutHours) * time.Hour,
		MaxPerDevice: cfg.MaxPerDevice,
		MaxPerIP:     cfg.MaxPerIP,
	})

	matcher := trigger.NewMatcher(trigger.Limits{
		PerTypePerMinute: cfg.PerTypePerMinute,
		TotalPerHour:     cfg.TotalPerHour,
	})
	loadCustomTriggers(cfg.TriggersFile, matcher)

	scheduler := push.NewScheduler(push.Config{
		SilentPushInterval:   time.Duration(cfg.SilentPushIntervalMs) * time.Millisecond,
		ActivityPushInterval: time.Duration(cfg.ActivityPushIntervalMs) * time.Millisecond,
		ActivityAckTimeout:   time.Duration(cfg.ActivityAckTimeoutMs) * time.Millisecond,
		FallbackCooldown:     time.Duration(cfg.FallbackCooldownMs) * time.Millisecond,
		MaxFallbacksPerHour:  cfg.MaxFallbacksPerHour,
		MaxSnippetLength:     cfg.MaxSnippetLength,
	}, notifier)

	dispatcher := proxy.NewDispatcher(cfg, manager, matcher, scheduler, notifier)
	server := proxy.NewServer(cfg, dispatcher, manager)

	if watcher, err := NewTriggerWatcher(cfg.TriggersFile, matcher); err != nil {
		log.Printf("WARN: Trigger hot-reload disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	jobs := cron.New()
	jobs.AddFunc("@every 5m", func() {
		if n := manager.CleanupInactive(); n > 0 {
			log.Printf("INFO: Reaped %d expired sessions", n)
		}
	})
	jobs.AddFunc("@every 1h", func() {
		matcher.CleanupOldEntries(proxy.TriggerEntryMaxAge)
		scheduler.Sweep(proxy.PushSweepMaxAge)
	})
	jobs.Start()
	defer jobs.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx); err != nil {
		log.Printf("ERROR: %v", err)
		os.Exit(1)
	}

	log.Printf("INFO: Shutting down, closing %d sessions", manager.Count())
	for _, s := range manager.All() {
		s.Close()
	}
}

// loadCustomTriggers installs the trigger file when present; a missing file
// just means built-ins only.
func loadCustomTriggers(path string, matcher *trigger.Matcher) {
	custom, err := trigger.LoadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("WARN: %v", err)
		}
		return
	}
	if err := matcher.SetCustom(custom); err != nil {
		log.Printf("WARN: Rejected custom triggers: %v", err)
		return
	}
	log.Printf("INFO: Loaded %d custom triggers from %s", len(custom), path)
}
