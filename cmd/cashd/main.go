package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/alert"
	"github.com/0gfoundation/cashdesk/internal/api"
	"github.com/0gfoundation/cashdesk/internal/auth"
	"github.com/0gfoundation/cashdesk/internal/config"
	"github.com/0gfoundation/cashdesk/internal/devicesvc"
	"github.com/0gfoundation/cashdesk/internal/dispense"
	"github.com/0gfoundation/cashdesk/internal/ledger"
	"github.com/0gfoundation/cashdesk/internal/money"
	"github.com/0gfoundation/cashdesk/internal/session"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	log = log.With(zap.String("machine", cfg.Machine.ID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}
	store := ledger.New(rdb)

	// ── Hardware-control client + dispense serializer ─────────────────────────
	dev := devicesvc.NewClient(cfg.Device.APIURL, cfg.Device.APIKey, devicesvc.Timeouts{
		Probe: cfg.Device.ProbeTimeout(),
		Poll:  cfg.Device.PollTimeout(),
	})
	ser := dispense.NewSerializer(dev, dispense.Policy{
		Backoff:     cfg.Dispense.Backoff(),
		MaxAttempts: cfg.Dispense.MaxAttempts,
	}, log)

	// ── Orchestrator ──────────────────────────────────────────────────────────
	orch := session.New(session.Config{
		MachineID:     cfg.Machine.ID,
		Candidates:    candidates(cfg.Device),
		ProbeAttempts: cfg.Device.ProbeAttempts,
		PollInterval:  cfg.Session.PollInterval(),
		Timeout:       cfg.Session.Timeout(),
	}, dev, ser, store, log)

	// Recovery must run before the first session can be armed.
	recoverOrphanedSessions(ctx, store, orch, cfg.Machine.ID, log)

	if err := orch.Connect(ctx); err != nil {
		// Not fatal: an operator can reconnect through the API once the
		// hardware is fixed.
		log.Error("device connect failed", zap.Error(err))
	}

	// ── Alerts ────────────────────────────────────────────────────────────────
	var pub alert.Publisher = alert.LogPublisher{Log: log}
	if cfg.MQTT.Broker != "" {
		mp, err := alert.NewMQTTPublisher(alert.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.Topic,
		}, log)
		if err != nil {
			log.Fatal("mqtt init failed", zap.Error(err))
		}
		defer mp.Close()
		pub = mp
	}
	go alert.Run(ctx, rdb, pub, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	operators, err := auth.NewAllowlist(cfg.Operator.Addresses)
	if err != nil {
		log.Fatal("operator allowlist invalid", zap.Error(err))
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "state": orch.State()})
	})

	h := api.NewHandler(ctx, orch, cfg.Machine.ID, log)
	h.Register(r.Group("/api"))
	h.RegisterOperator(r.Group("/api"), auth.NewVerifier(rdb, operators, cfg.Machine.ID))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	// Settle a running session before anything else goes away.
	if _, running := orch.Current(); running {
		res := orch.CloseSession(context.Background(), session.CloseShutdown)
		log.Info("session closed for shutdown",
			zap.String("session", res.SessionID),
			zap.Int64("refunded_cents", int64(res.Refund.Dispensed())),
			zap.Bool("locked", res.Locked),
		)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := orch.Disconnect(shutdownCtx); err != nil {
		log.Warn("device disconnect failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// candidates turns the configured slots into probe candidates; a slot without
// a port is skipped.
func candidates(d config.DeviceConfig) []devicesvc.Candidate {
	var out []devicesvc.Candidate
	for _, s := range []struct {
		role money.DeviceRole
		cfg  config.DeviceSlotConfig
	}{
		{money.RoleBill, d.Bill},
		{money.RoleCoin, d.Coin},
	} {
		if s.cfg.Port == "" {
			continue
		}
		out = append(out, devicesvc.Candidate{
			Role:     s.role,
			Port:     s.cfg.Port,
			Address:  s.cfg.Address,
			Currency: s.cfg.Currency,
			Caps:     money.Capabilities{Counters: s.cfg.CounterPolicy()},
		})
	}
	return out
}

// sessionScanner is satisfied by *ledger.Store.
type sessionScanner interface {
	ScanSessions(ctx context.Context) ([]ledger.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// machineLocker is satisfied by *session.Orchestrator.
type machineLocker interface {
	LockMachine(ctx context.Context, reason, sessionID string, remaining money.Cents, msg string)
}

// recoverOrphanedSessions handles session records left behind by a crash. A
// session that had taken money is unresolved: the customer may be owed a
// refund, so the machine is locked for an operator. Records without credit are
// simply dropped.
func recoverOrphanedSessions(ctx context.Context, sessions sessionScanner, locker machineLocker, machine string, log *zap.Logger) {
	found, err := sessions.ScanSessions(ctx)
	if err != nil {
		log.Error("recoverOrphanedSessions: scan", zap.Error(err))
		return
	}
	for _, s := range found {
		if s.Machine != machine {
			continue
		}
		if s.Credited > 0 {
			locker.LockMachine(ctx, session.LockOrphanedSession, s.ID, s.Credited,
				fmt.Sprintf("session %s ended without settlement holding %s", s.ID, s.Credited))
			log.Warn("recovered orphaned session",
				zap.String("session", s.ID),
				zap.Int64("credited_cents", int64(s.Credited)),
				zap.Int64("target_cents", int64(s.Target)),
			)
		} else {
			log.Info("dropping orphaned session without credit", zap.String("session", s.ID))
		}
		if err := sessions.DeleteSession(ctx, s.ID); err != nil {
			log.Error("recoverOrphanedSessions: delete", zap.String("session", s.ID), zap.Error(err))
		}
	}
}
