package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/screenroom/backend/internal/config"
	"github.com/screenroom/backend/internal/logging"
	"github.com/screenroom/backend/internal/metrics"
	"github.com/screenroom/backend/internal/netutil"
	"github.com/screenroom/backend/internal/proc"
	"github.com/screenroom/backend/internal/relay"
	"github.com/screenroom/backend/internal/session"
	"github.com/screenroom/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override signaling port")
	code := flag.String("code", "", "Override verification code")
	nickname := flag.String("nickname", "host", "Host nickname shown in chat")
	localPlay := flag.Bool("play", false, "Open the local player on the distribution stream")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *code != "" {
		cfg.Session.VerificationCode = *code
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to init logging: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	advertiseIP := cfg.Server.AdvertiseIP
	if advertiseIP == "" {
		advertiseIP = netutil.OutboundIP(false)
	}
	sugar.Infow("media endpoint address", "ip", advertiseIP)

	sup := proc.NewSupervisor(logger, cfg.Stream.RestartBackoff)

	if cfg.Programs.StreamServer != "" {
		srv := relay.NewStreamServer(sup, cfg.Programs.StreamServer, cfg.Stream.RTMPPort, logger)
		if err := srv.Start(); err != nil {
			sugar.Fatalw("stream server failed to start", "error", err)
		}
	}

	relays := relay.NewManager(sup, relay.Config{
		FFmpegPath:    cfg.Programs.FFmpeg,
		BindIP:        cfg.Server.Host,
		RTMPPort:      cfg.Stream.RTMPPort,
		IngestLatency: cfg.Stream.IngestLatency,
		ViewerLatency: cfg.Stream.ViewerLatency,
		StopTimeout:   cfg.Stream.StopTimeout,
	}, logger)

	if err := relays.StartIngest(cfg.Stream.IngestPort); err != nil {
		sugar.Fatalw("ingest relay failed to start", "error", err)
	}
	sugar.Infow("waiting for encoder", "srt_port", cfg.Stream.IngestPort)

	reg := prometheus.NewRegistry()
	stats := metrics.New(reg)

	events := ws.CoordinatorEvents{
		OnChat: func(nickname, message string) {
			fmt.Printf("[%s] %s\n", nickname, message)
		},
		OnMembers: func(members []session.Member) {
			sugar.Infow("roster changed", "members", len(members))
		},
	}

	coord := ws.NewCoordinator(ws.CoordinatorConfig{
		VerificationCode: cfg.Session.VerificationCode,
		HostNickname:     *nickname,
		AdvertiseIP:      advertiseIP,
		SRTBasePort:      cfg.Stream.SRTBasePort,
		PortAttempts:     cfg.Stream.PortAttempts,
		ChatRatePerSec:   cfg.Session.ChatRatePerSec,
		ChatBurst:        cfg.Session.ChatBurst,
	}, relays, netutil.NewAllocator(), events, stats, logger)

	if *localPlay && cfg.Programs.Player != "" {
		player := relay.NewPlayer(sup, cfg.Programs.Player, "host-player", logger)
		if err := player.PlayLocal(cfg.Stream.RTMPPort); err != nil {
			sugar.Errorw("local player failed to start", "error", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", coord.HandleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:    netutil.HostPort(cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}
	go func() {
		sugar.Infow("signaling server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("server error", "error", err)
		}
	}()

	// Host chat from stdin.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			coord.SendChat(line)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	sugar.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Stream.StopTimeout)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)

	coord.Close()
	sup.StopAll(cfg.Stream.StopTimeout)
	sugar.Info("goodbye")
}
