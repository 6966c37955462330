package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cyavt/server-bot-ai/internal/audio"
	"github.com/cyavt/server-bot-ai/internal/config"
	"github.com/cyavt/server-bot-ai/internal/mcp"
	"github.com/cyavt/server-bot-ai/internal/observability"
	"github.com/cyavt/server-bot-ai/internal/ota"
	"github.com/cyavt/server-bot-ai/internal/protocol"
	"github.com/cyavt/server-bot-ai/internal/resilience"
)

// consoleTranscript prints the conversation to stdout.
type consoleTranscript struct{}

func (consoleTranscript) OnUserText(text string) {
	fmt.Printf("you > %s\n", text)
}

func (consoleTranscript) OnAssistantText(text string) {
	fmt.Printf("bot > %s\n", text)
}

// logSpeakingSignal stands in for an avatar layer: talking state and
// emotion reactions are logged together with the live amplitude.
type logSpeakingSignal struct {
	logger zerolog.Logger
	player *audio.Player
}

func (s *logSpeakingSignal) SetTalking(talking bool) {
	s.logger.Info().
		Bool("talking", talking).
		Float64("amplitude", s.player.Amplitude()).
		Msg("Talking signal")
}

func (s *logSpeakingSignal) React(emotion string) {
	s.logger.Info().Str("emotion", emotion).Msg("Emotion reaction")
}

// captureController bridges the protocol state machine to the recorder
// and the camera capability flag.
type captureController struct {
	logger   zerolog.Logger
	recorder *audio.Recorder

	mu     sync.Mutex
	camera bool
}

func (c *captureController) SetCaptureEnabled(enabled bool) {
	if c.recorder != nil {
		c.recorder.SetEnabled(enabled)
	}
}

func (c *captureController) SetCameraAvailable(available bool) {
	c.mu.Lock()
	changed := c.camera != available
	c.camera = available
	c.mu.Unlock()

	if changed {
		c.logger.Info().Bool("available", available).Msg("Camera capability changed")
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("ota_url", cfg.OTAURL).
		Str("device_id", cfg.DeviceID).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice client starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewSessionMetrics(cfg.ClientID)
	registry := mcp.NewRegistry(logger)
	otaClient := ota.NewClient(cfg, logger)

	sink := audio.NewWriterSink(os.Stdout)
	player := audio.NewPlayer(cfg, sink, audio.SystemClock{}, logger, metrics)

	// Capture is optional: it runs only when a PCM pipe is configured
	// (e.g. AUDIO_INPUT_PATH=/tmp/mic.pcm fed by a system record process)
	var recorder *audio.Recorder
	captureCtl := &captureController{logger: logger}
	speaking := &logSpeakingSignal{logger: logger, player: player}

	handler := protocol.NewHandler(cfg, registry, player, consoleTranscript{}, speaking, captureCtl, logger, metrics)

	if inputPath := config.GetEnv("AUDIO_INPUT_PATH", ""); inputPath != "" {
		in, err := os.Open(inputPath)
		if err != nil {
			logger.Error().Err(err).Str("path", inputPath).Msg("Failed to open capture input, capture disabled")
		} else {
			source := audio.NewReaderSource(in, cfg.FrameSize)
			recorder = audio.NewRecorder(cfg, source, handler, logger, metrics)
			captureCtl.recorder = recorder
			go func() {
				if err := recorder.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error().Err(err).Msg("Capture loop terminated")
				}
			}()
		}
	}

	// Local diagnostics endpoints
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"ota": func(ctx context.Context) (bool, error) {
			if _, err := url.ParseRequestURI(cfg.OTAURL); err != nil {
				return false, fmt.Errorf("invalid bootstrap endpoint: %w", err)
			}
			return true, nil
		},
	}))
	mux.HandleFunc("/stats", observability.StatsHandler(player))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.DiagnosticsPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("port", cfg.DiagnosticsPort).Msg("Diagnostics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Diagnostics server failed to start")
		}
	}()

	// Session loop: discover, connect, play until the channel drops,
	// then reconnect with backoff
	reconnector := resilience.NewReconnectManager(&resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}, logger)

	go func() {
		for ctx.Err() == nil {
			err := reconnector.Run(ctx, func() error {
				return connectOnce(ctx, otaClient, handler)
			})
			if err != nil {
				if ctx.Err() == nil {
					logger.Error().Err(err).Msg("Giving up on connection")
				}
				return
			}

			player.Start(ctx)
			waitDisconnected(ctx, handler)
			player.Close()

			if ctx.Err() == nil {
				logger.Info().Msg("Session ended, reconnecting")
			}
		}
	}()

	// Stdin drives user text input
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if err := handler.SendText(text); err != nil {
				logger.Warn().Err(err).Msg("Failed to send text")
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down...")
	cancel()
	handler.Disconnect()
	player.Close()
	if recorder != nil {
		recorder.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Diagnostics server shutdown failed")
	}

	logger.Info().Msg("Voice client stopped")
}

// connectOnce performs one full bootstrap and handshake attempt.
func connectOnce(ctx context.Context, otaClient *ota.Client, handler *protocol.Handler) error {
	resp, err := otaClient.Discover(ctx)
	if err != nil {
		return err
	}
	wsURL, err := otaClient.BuildConnURL(resp)
	if err != nil {
		return err
	}
	return handler.Connect(ctx, wsURL)
}

// waitDisconnected blocks until the control channel drops or ctx ends.
func waitDisconnected(ctx context.Context, handler *protocol.Handler) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if handler.State() == protocol.StateDisconnected {
				return
			}
		}
	}
}
