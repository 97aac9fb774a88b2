package main

import (
	"context"
	"io"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/park285/qq-mc-relay/internal/admission"
	"github.com/park285/qq-mc-relay/internal/audit"
	appcfg "github.com/park285/qq-mc-relay/internal/config"
	"github.com/park285/qq-mc-relay/internal/msgcat"
	"github.com/park285/qq-mc-relay/internal/obslog"
	"github.com/park285/qq-mc-relay/internal/onebot"
	"github.com/park285/qq-mc-relay/internal/rcon"
	"github.com/park285/qq-mc-relay/internal/relay"
	"github.com/park285/qq-mc-relay/internal/rewrite"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("message catalog error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder, closers := buildRecorder(ctx, cfg, logger)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	instruction := catalog.Text(msgcat.KeyRewriteInstruction, nil, "")
	rw := rewrite.New(rewrite.Config{
		BaseURL:     cfg.RewriteAPIBase,
		APIKey:      cfg.RewriteAPIKey,
		Model:       cfg.RewriteModel,
		Instruction: instruction,
		Timeout:     cfg.RewriteTimeout,
	}, rewrite.WithLogger(logger.Named("rewrite")))

	r := relay.New(relay.Deps{
		Pipeline: admission.New(admission.NewAuthSet(cfg.AuthorizedIDs), onebot.ID(cfg.BotID), cfg.CommandPrefix),
		Executor: rcon.NewClient(rcon.Config{
			Addr:        cfg.RconAddr(),
			Password:    cfg.RconPassword,
			DialTimeout: cfg.RconDialTimeout,
			Deadline:    cfg.RconDeadline,
		}, logger.Named("rcon")),
		Rewriter: rw,
		Catalog:  catalog,
		Recorder: recorder,
		Logger:   logger.Named("relay"),
	})

	session := onebot.NewSession(cfg.OneBotWSURL,
		onebot.WithRetryDelay(cfg.OneBotRetryDelay),
		onebot.WithAccessToken(cfg.OneBotAccessToken),
		onebot.WithLogger(logger.Named("onebot")),
	)
	session.OnStateChange(func(state onebot.State) {
		logger.Debug("onebot_state", zap.String("state", string(state)))
	})

	logger.Info("relay_starting",
		zap.String("bot_qq", cfg.BotID),
		zap.Strings("authorized", cfg.AuthorizedIDs),
		zap.String("rcon", cfg.RconAddr()),
		zap.String("onebot", cfg.OneBotWSURL),
		zap.Bool("rewrite", rw.Enabled()),
	)

	_ = session.Run(ctx, r.Handle)

	logger.Info("relay_stopping")
	wctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := session.Shutdown(wctx); err != nil {
		logger.Warn("in-flight commands did not finish", zap.Error(err))
	}
}

// buildRecorder picks audit backends from config; unreachable backends are
// logged and skipped so the relay still starts.
func buildRecorder(ctx context.Context, cfg *appcfg.AppConfig, logger *zap.Logger) (audit.Recorder, []io.Closer) {
	var recs audit.Multi
	var closers []io.Closer

	if cfg.RedisURL != "" {
		s, err := audit.NewRedisStore(ctx, cfg.RedisURL, cfg.AuditHistoryLimit)
		if err != nil {
			logger.Warn("audit redis disabled", zap.Error(err))
		} else {
			recs = append(recs, s)
			closers = append(closers, s)
		}
	}
	if cfg.DatabaseURL != "" {
		repo, err := audit.NewPGRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Warn("audit postgres disabled", zap.Error(err))
		} else {
			recs = append(recs, repo)
			closers = append(closers, repo)
		}
	}
	if len(recs) == 0 {
		logger.Info("audit disabled: set REDIS_URL or DATABASE_URL to keep a command history")
		return audit.Nop{}, closers
	}
	return recs, closers
}
