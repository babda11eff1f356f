package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/screenroom/backend/internal/config"
	"github.com/screenroom/backend/internal/logging"
	"github.com/screenroom/backend/internal/proc"
	"github.com/screenroom/backend/internal/relay"
	"github.com/screenroom/backend/internal/session"
	"github.com/screenroom/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	host := flag.String("host", "", "Session host address (required)")
	port := flag.Int("port", 0, "Signaling port override")
	nickname := flag.String("nickname", "", "Nickname to request (required)")
	code := flag.String("code", "", "Verification code")
	flag.Parse()

	if *host == "" || *nickname == "" {
		flag.Usage()
		os.Exit(2)
	}

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

	sup := proc.NewSupervisor(logger, cfg.Stream.RestartBackoff)
	var player *relay.Player
	if cfg.Programs.Player != "" {
		player = relay.NewPlayer(sup, cfg.Programs.Player, "viewer-player", logger)
	}

	events := ws.ClientEvents{
		OnConnected: func() {
			fmt.Println("connected, authenticating...")
		},
		OnAuthenticated: func(serverIP string, streamPort int) {
			fmt.Printf("joined session, stream at %s:%d\n", serverIP, streamPort)
			if player == nil {
				return
			}
			if err := player.PlayEndpoint(serverIP, streamPort, cfg.Stream.ViewerLatency); err != nil {
				sugar.Errorw("player failed to start", "error", err)
			}
		},
		OnDisconnected: func() {
			fmt.Println("connection lost, retrying...")
		},
		OnChat: func(nickname, message string) {
			fmt.Printf("[%s] %s\n", nickname, message)
		},
		OnMembers: func(members []session.Member) {
			names := make([]string, 0, len(members))
			for _, m := range members {
				names = append(names, m.Nickname)
			}
			fmt.Printf("in session: %s\n", strings.Join(names, ", "))
		},
		OnError: func(message string) {
			fmt.Fprintf(os.Stderr, "error: %s\n", message)
		},
	}

	client := ws.NewClient(ws.ClientConfig{
		Host:                 *host,
		Port:                 cfg.Server.Port,
		Nickname:             *nickname,
		VerificationCode:     cfg.Session.VerificationCode,
		ReconnectInterval:    cfg.Session.ReconnectInterval,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Session.HeartbeatInterval,
	}, events, logger)

	if err := client.Connect(); err != nil {
		sugar.Fatalw("connect failed", "error", err)
	}

	// Chat input from stdin.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			client.SendChat(line)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		sugar.Info("shutting down")
		client.Disconnect()
		select {
		case <-client.Done():
		case <-time.After(cfg.Stream.StopTimeout):
		}
	case <-client.Done():
		// Client gave up or was rejected.
	}

	sup.StopAll(cfg.Stream.StopTimeout)
}
