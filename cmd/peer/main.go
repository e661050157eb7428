package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrchat/internal/config"
	"github.com/ryandielhenn/zephyrchat/internal/logging"
	"github.com/ryandielhenn/zephyrchat/internal/telemetry"
	"github.com/ryandielhenn/zephyrchat/pkg/event"
	"github.com/ryandielhenn/zephyrchat/pkg/feed"
	"github.com/ryandielhenn/zephyrchat/pkg/identity"
	"github.com/ryandielhenn/zephyrchat/pkg/peer"
	"github.com/ryandielhenn/zephyrchat/pkg/ratecontrol"
	"github.com/ryandielhenn/zephyrchat/pkg/taskqueue"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:          "zephyrchat",
		Short:        "Run a chat peer over a shared etcd feed store",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.New(cfgFile)
			if err != nil {
				return fmt.Errorf("read config: %w", err)
			}
			if err := bindFlags(v, cmd); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfgFile, "config", "c", "", "YAML config file")
	f.String("name", "", "display name")
	f.String("topic", "", "chat topic")
	f.String("key-file", "", "file holding a hex ed25519 seed")
	f.String("listen", "", "diagnostics listen address")
	f.StringSlice("etcd", nil, "etcd endpoints")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("log-format", "", "json or console")
	return cmd
}

var flagKeys = map[string]string{
	"name":       "peer.name",
	"topic":      "peer.topic",
	"key-file":   "peer.key_file",
	"listen":     "http.listen",
	"etcd":       "etcd.endpoints",
	"log-level":  "logging.level",
	"log-format": "logging.format",
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	telemetry.SetBuildInfo(version, gitSHA)

	signer, err := loadSigner(cfg.Peer.KeyFile)
	if err != nil {
		return err
	}

	log.Info("connecting to etcd", zap.Strings("endpoints", cfg.Etcd.Endpoints))
	cli, err := feed.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
	if err != nil {
		return fmt.Errorf("etcd: %w", err)
	}
	defer cli.Close()
	backend, err := feed.NewEtcdBackend(cli, cfg.Etcd.Prefix, cfg.Etcd.BlobCache)
	if err != nil {
		return err
	}

	pcfg, err := peerConfig(cfg, signer)
	if err != nil {
		return err
	}
	p, err := peer.New(telemetry.InstrumentBackend(backend), pcfg, peer.WithLogger(log))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop()

	p.Subscribe(event.TypeMessageReceived, func(e event.Event) {
		m := e.(event.MessageReceivedEvent)
		log.Info("message",
			zap.String("from", m.DisplayName),
			zap.String("address", m.Address),
			zap.Time("sent_at", m.SentAt),
			zap.String("body", m.Body))
	})

	if cfg.HTTP.Listen == "" {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              config.NormalizeHostPort(cfg.HTTP.Listen, "8080"),
		Handler:           p.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	log.Info("diagnostics listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loadSigner(path string) (identity.Signer, error) {
	if path == "" {
		s, err := identity.GenerateSigner()
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	s, err := identity.SignerFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func peerConfig(cfg *config.Config, signer identity.Signer) (peer.Config, error) {
	mode, err := taskqueue.ParseMode(cfg.Queue.Mode)
	if err != nil {
		return peer.Config{}, err
	}
	ms := func(d time.Duration) float64 { return float64(d.Milliseconds()) }
	p := cfg.Polling
	return peer.Config{
		Name:               cfg.Peer.Name,
		Topic:              cfg.Peer.Topic,
		Signer:             signer,
		IdleWindow:         cfg.Membership.IdleWindow,
		MemberLimit:        cfg.Membership.MemberLimit,
		ElectionFraction:   cfg.Membership.ElectionFraction,
		CompactAfter:       cfg.Membership.CompactAfter,
		Freshness:          cfg.Membership.Freshness,
		QueueMode:          mode,
		MaxParallel:        cfg.Queue.MaxParallel,
		MaxParallelCeiling: cfg.Queue.MaxParallelCeiling,
		OpTimeout:          cfg.Queue.OpTimeout,
		Retry:              feed.Retry{Attempts: cfg.Queue.RetryAttempts, Delay: cfg.Queue.RetryDelay},
		MembershipInterval: p.MembershipInterval,
		MessageInterval:    p.MessageInterval,
		MaintainInterval:   p.MaintainInterval,
		Rate: []ratecontrol.Option{
			ratecontrol.WithConcurrencyLimits(ms(p.IncreaseLimit), ms(p.DecreaseLimit)),
			ratecontrol.WithIntervalLimits(ms(p.FetchDecreaseLimit), ms(p.FetchIncreaseLimit)),
			ratecontrol.WithInterval(p.MessageInterval, p.MinInterval, p.MaxInterval, p.IntervalStep),
		},
		LatencyWindow: p.LatencyWindow,
		BufferBytes:   cfg.Peer.BufferBytes,
	}, nil
}
