package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/srfgo/srf"
	"github.com/srfgo/srf/internal/config"
	"github.com/srfgo/srf/stack"
	"gopkg.in/natefinch/lumberjack.v2"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start SIP daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return serve(ctx, cfg)
	},
}

func newLogger(cfg config.LogConfig) (zerolog.Logger, io.Closer) {
	lev, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out = lj
		closer = lj
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.StampMicro,
			NoColor:    cfg.File != "",
		}
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	return zerolog.New(out).With().Timestamp().Logger().Level(lev), closer
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, closer := newLogger(cfg.Log)
	defer closer.Close()
	log.Logger = logger

	localSDPA, err := config.LoadSDP(cfg.B2B.LocalSDPA)
	if err != nil {
		return err
	}
	localSDPB, err := config.LoadSDP(cfg.B2B.LocalSDPB)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.SIP.UserAgent))
	if err != nil {
		return err
	}

	st, err := stack.New(ua,
		stack.WithLogger(logger),
		stack.WithContact(cfg.SIP.ContactHost, cfg.SIP.ContactPort),
	)
	if err != nil {
		return err
	}
	defer st.Close()

	s := srf.New(st,
		srf.WithLogger(logger),
		srf.WithMetrics(srf.NewMetrics(reg)),
	)
	s.OnConnect(func() {
		logger.Info().Str("network", cfg.SIP.Network).Str("listen", cfg.SIP.Listen).Msg("Signaling stack connected")
	})
	s.OnCDR(func(cdr srf.CDR) {
		logger.Info().
			Str("kind", string(cdr.Kind)).
			Str("source", string(cdr.Source)).
			Str("role", string(cdr.Role)).
			Str("dialog_id", cdr.DialogID).
			Time("time", cdr.Time).
			Str("msg", cdr.Msg).
			Msg("CDR")
	})

	app := &application{
		ctx:          ctx,
		srf:          s,
		log:          logger,
		mode:         cfg.Mode,
		destinations: cfg.Destinations,
		b2b: srf.B2BOptions{
			Headers:         cfg.B2B.Headers,
			ResponseHeaders: cfg.B2B.ResponseHeaders,
			LocalSDPA:       localSDPA,
			LocalSDPB:       localSDPB,
		},
		proxy: srf.ProxyOptions{
			Forking:            srf.Forking(cfg.Proxy.Forking),
			RemainInDialog:     cfg.Proxy.RemainInDialog,
			ProvisionalTimeout: cfg.Proxy.ProvisionalTimeout,
			FinalTimeout:       cfg.Proxy.FinalTimeout,
			FollowRedirects:    cfg.Proxy.FollowRedirects,
		},
	}
	st.Handle(app.handle)

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Listen, reg, logger)
	}

	err = st.ListenAndServe(ctx, cfg.SIP.Network, cfg.SIP.Listen)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("Metrics server failed")
	}
}
