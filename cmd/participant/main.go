// Command participant joins a live session as a headless client. It carries
// sample media tracks, so it can stand in for a student or run a class from
// a script.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/config"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/media"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/mesh"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/presence"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/scoring"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/session"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/signaling"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/syncstate"
	"github.com/beebee-coder/classroom-virtuelle-sub001/lib/logger"
	"github.com/beebee-coder/classroom-virtuelle-sub001/lib/logger/sl"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

var (
	sessionFlag = flag.String("session", "", "session id to join")
	idFlag      = flag.String("id", "", "participant id")
	teacherFlag = flag.String("teacher", "", "teacher id of the session")
	nameFlag    = flag.String("name", "", "display name")
	apiFlag     = flag.String("api", "http://localhost:8080", "session server base url for quiz awards")
)

func main() {
	_ = godotenv.Load(".env")

	// MustLoad parses the command line, flags above included.
	cfg := config.MustLoad()
	log := logger.Setup(cfg.Env)

	sessionID, err := uuid.Parse(*sessionFlag)
	if err != nil || *idFlag == "" || *teacherFlag == "" {
		log.Error("usage: participant -session <uuid> -id <participant> -teacher <teacher id> [-name <name>]")
		os.Exit(2)
	}

	conns, err := mesh.NewPionFactory(cfg.WebRTC.STUNServers)
	if err != nil {
		log.Error("failed to set up webrtc", sl.Err(err))
		os.Exit(1)
	}

	opts := session.Options{
		SessionID: sessionID,
		Self:      presence.Member{ID: *idFlag, DisplayName: *nameFlag},
		TeacherID: *teacherFlag,
		Transport: &signaling.WSTransport{
			URL:                cfg.Client.ServerURL,
			ReconnectAttempts:  cfg.Client.ReconnectAttempts,
			ReconnectBaseDelay: cfg.Client.ReconnectBaseDelay,
			OutboxSize:         cfg.Client.OutboxSize,
			WriteTimeout:       cfg.Realtime.WriteTimeout,
			Log:                log,
		},
		Devices:             media.SampleProvider{StreamPrefix: *idFlag},
		Constraints:         media.Constraints{Audio: true, Video: true},
		Conns:               conns,
		Rules:               scoring.RulesFromConfig(cfg.Quiz),
		DefaultTimerSeconds: cfg.Session.DefaultTimerSeconds,
		Log:                 log,
	}
	if *idFlag == *teacherFlag {
		opts.Awarder = scoring.NewHTTPAwarder(*apiFlag, sessionID.String())
	}

	ctrl, err := session.New(opts)
	if err != nil {
		log.Error("invalid session options", sl.Err(err))
		os.Exit(1)
	}

	ctrl.OnModeChange(func(m session.Mode) {
		log.Info("mode", slog.String("mode", string(m)))
	})
	ctrl.OnStateChange(func(s syncstate.State) {
		log.Debug("state",
			slog.String("tool", string(s.ActiveTool)),
			slog.Int("hands", len(s.HandRaiseQueue)),
			slog.Int("timer", s.Timer.RemainingSeconds),
			slog.String("quiz", string(s.Quiz.Phase)),
		)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	joinCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = ctrl.Join(joinCtx)
	cancel()
	if err != nil {
		log.Error("failed to join session", sl.Err(err))
		os.Exit(1)
	}

	ended := make(chan struct{})
	var endOnce sync.Once
	ctrl.OnModeChange(func(m session.Mode) {
		if m == session.ModeEnded || m == session.ModeRemoved {
			endOnce.Do(func() { close(ended) })
		}
	})

	select {
	case <-ctx.Done():
	case <-ended:
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.Leave(leaveCtx); err != nil {
		log.Warn("left with errors", sl.Err(err))
	}
}
