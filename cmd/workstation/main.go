package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/hyper-backend/internal/audio"
	"github.com/hyper-ai-inc/hyper-backend/internal/auth"
	"github.com/hyper-ai-inc/hyper-backend/internal/bus"
	"github.com/hyper-ai-inc/hyper-backend/internal/config"
	"github.com/hyper-ai-inc/hyper-backend/internal/heartbeat"
	"github.com/hyper-ai-inc/hyper-backend/internal/protocol"
	"github.com/hyper-ai-inc/hyper-backend/internal/session"
	"github.com/hyper-ai-inc/hyper-backend/internal/supervisor"
	"github.com/hyper-ai-inc/hyper-backend/internal/telemetry"
	"github.com/hyper-ai-inc/hyper-backend/internal/wsconn"
)

const workstationVersion = "1.10.0"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadWorkstation()
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}

	shutdownTracing, err := telemetry.InitProvider(context.Background(), "hyper-workstation", workstationVersion)
	if err != nil {
		logger.Error("tracing init failed", "err", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	agentFile, err := config.LoadAgentFile(cfg.AgentConfigPath)
	if err != nil {
		logger.Error("agent config load failed", "err", err)
		os.Exit(1)
	}
	resolver := config.NewResolver(agentFile)
	watcher, err := config.WatchAgentFile(cfg.AgentConfigPath, resolver)
	if err != nil {
		logger.Error("agent config watch failed", "err", err)
		os.Exit(1)
	}
	defer watcher.Close()

	stt, tts := buildVoiceProviders(cfg)

	b := bus.New()
	registry := session.NewRegistry(cfg.WorkspacesRoot, b, resolver, stt, tts)
	defer registry.Shutdown()

	sup := supervisor.New(registry)
	deviceGate := auth.NewGate(cfg.AuthKey)

	name := hostname()
	gw := NewGateway(registry, sup, deviceGate, name, workstationVersion, cfg.WorkspacesRoot, logger)

	runForever(cfg, gw, logger)
}

// buildVoiceProviders wires the configured STT/TTS collaborators, wrapped
// with the shared per-call timeout, or returns nil interfaces when no
// provider is configured (session.Execute treats both as optional).
func buildVoiceProviders(cfg config.Workstation) (session.STT, session.TTS) {
	var stt session.STT
	var tts session.TTS

	if cfg.STTProvider == "openai" && cfg.STTAPIKey != "" {
		stt = audio.TimeoutSTT{Provider: audio.NewOpenAISTT(cfg.STTAPIKey)}
	}
	if cfg.TTSProvider == "openai" && cfg.TTSAPIKey != "" {
		tts = audio.TimeoutTTS{Provider: audio.NewOpenAITTS(cfg.TTSAPIKey)}
	}
	return stt, tts
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "workstation"
	}
	return h
}

// runForever dials the tunnel, registers, and serves the connection until
// it drops, retrying with doubling backoff per the reconnect contract
// (§4.2's workstation.register{previous_tunnel_id} restore path).
func runForever(cfg config.Workstation, gw *Gateway, logger *slog.Logger) {
	backoff := time.Duration(0)
	var previousTunnelID string

	for {
		tunnelID, err := connectOnce(cfg, gw, previousTunnelID, logger)
		if tunnelID != "" {
			previousTunnelID = tunnelID
		}
		gw.Reset()

		if err == nil {
			backoff = 0
			continue
		}
		backoff = heartbeat.NextBackoff(backoff)
		logger.Error("tunnel connection lost, reconnecting", "err", err, "backoff", backoff)
		time.Sleep(backoff)
	}
}

// connectOnce dials cfg.TunnelURL, performs the workstation.register
// handshake, and blocks serving gateway dispatch until the connection
// closes. It returns the tunnel_id seen (if registration completed) and
// the error that ended the connection.
func connectOnce(cfg config.Workstation, gw *Gateway, previousTunnelID string, logger *slog.Logger) (tunnelID string, err error) {
	u, err := url.Parse(cfg.TunnelURL)
	if err != nil {
		return "", fmt.Errorf("workstation: parse tunnel url: %w", err)
	}

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("workstation: dial tunnel: %w", err)
	}
	conn := wsconn.New(ws, logger)

	registeredCh := make(chan struct{}, 1)
	done := make(chan error, 1)

	conn.OnMessage = func(data []byte) {
		env, decodeErr := protocol.Decode(data)
		if decodeErr != nil {
			return
		}

		switch env.Type {
		case protocol.TypeWorkstationRegistered:
			var reg protocol.WorkstationRegistered
			if env.DecodePayload(&reg) == nil {
				tunnelID = reg.TunnelID
			}
			select {
			case registeredCh <- struct{}{}:
			default:
			}
		case protocol.TypeError:
			var e protocol.Error
			env.DecodePayload(&e)
			logger.Error("tunnel rejected registration", "code", e.Code, "message", e.Message)
		default:
			gw.Dispatch(conn, data)
		}
	}
	conn.OnClose = func(reason error) {
		select {
		case done <- reason:
		default:
		}
	}

	conn.Start()

	reg, encodeErr := protocol.Encode(protocol.TypeWorkstationRegister, "", "", protocol.WorkstationRegister{
		APIKey:           cfg.TunnelAPIKey,
		Name:             gw.name,
		AuthKey:          cfg.AuthKey,
		PreviousTunnelID: previousTunnelID,
	})
	if encodeErr != nil {
		conn.Close(encodeErr)
		return "", fmt.Errorf("workstation: encode register frame: %w", encodeErr)
	}
	conn.Send(reg)

	select {
	case <-registeredCh:
		logger.Info("registered with tunnel", "tunnel_id", tunnelID)
	case <-time.After(10 * time.Second):
		conn.Close(nil)
		return "", fmt.Errorf("workstation: registration timed out")
	case reason := <-done:
		return "", fmt.Errorf("workstation: connection closed during registration: %w", closeErr(reason))
	}

	reason := <-done
	return tunnelID, closeErr(reason)
}

func closeErr(reason error) error {
	if reason == nil {
		return fmt.Errorf("workstation: tunnel connection closed")
	}
	return reason
}
