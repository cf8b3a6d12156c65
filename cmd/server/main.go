package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-gateway/internal/analysis"
	"github.com/lexiqai/interview-gateway/internal/config"
	"github.com/lexiqai/interview-gateway/internal/diarization"
	"github.com/lexiqai/interview-gateway/internal/observability"
	"github.com/lexiqai/interview-gateway/internal/questionbank"
	"github.com/lexiqai/interview-gateway/internal/resilience"
	"github.com/lexiqai/interview-gateway/internal/session"
	"github.com/lexiqai/interview-gateway/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("diarization_provider", cfg.DiarizationProvider).
		Str("analysis_transport", cfg.AnalysisTransport).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Interview Gateway starting")

	bank, err := questionbank.Load(cfg.QuestionBankPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load question bank")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	analysisBreaker := newBreaker("analysis", cfg, logger)
	diarizationBreaker := newBreaker("diarization", cfg, logger)

	analyzer, analysisHealth, closeAnalyzer, err := newAnalyzer(ctx, cfg, analysisBreaker, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create analysis client")
	}
	defer closeAnalyzer()

	newDiarizer, diarizationHealth := newDiarizerFactory(cfg, diarizationBreaker, logger)
	sessionConfig := session.ConfigFrom(cfg)

	mux := http.NewServeMux()
	mux.Handle("/ws/session", transport.NewHandler(func(connLogger zerolog.Logger) *session.Manager {
		return session.NewManager(sessionConfig, newDiarizer(connLogger), analyzer, connLogger)
	}, bank))
	mux.HandleFunc("/questions", bank.Handler())
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"analysis":    analysisHealth,
		"diarization": diarizationHealth,
	}, analysisBreaker, diarizationBreaker))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No WriteTimeout: it would cut long-lived WebSocket sessions
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws/session", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

func newBreaker(name string, cfg *config.Config, logger zerolog.Logger) *resilience.CircuitBreaker {
	breaker := resilience.NewCircuitBreaker(
		name,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		logger.Warn().
			Str("service", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
		observability.UpdateCircuitBreakerState(name, int(to))
	})
	return breaker
}

// newAnalyzer builds the analysis client for the configured transport
func newAnalyzer(ctx context.Context, cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) (analysis.Client, observability.HealthCheckFunc, func(), error) {
	switch cfg.AnalysisTransport {
	case config.AnalysisGRPC:
		client, err := analysis.NewGRPCClient(ctx, analysis.GRPCConfig{
			Target:     cfg.AnalysisGRPCTarget,
			TLSEnabled: cfg.AnalysisTLSEnabled,
		}, breaker, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close analysis client")
			}
		}
		return client, client.HealthCheck, closeFn, nil

	default:
		client := analysis.NewHTTPClient(cfg.AnalysisURL, cfg.AnalysisHealthURL, nil, breaker, logger)
		return client, client.HealthCheck, func() {}, nil
	}
}

// newDiarizerFactory returns a constructor for per-connection diarization
// clients and a readiness check for the provider
func newDiarizerFactory(cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) (func(zerolog.Logger) diarization.Client, observability.HealthCheckFunc) {
	switch cfg.DiarizationProvider {
	case config.DiarizationDeepgram:
		dgConfig := diarization.DeepgramConfig{
			APIKey:     cfg.DeepgramAPIKey,
			Model:      cfg.DeepgramModel,
			Language:   cfg.DeepgramLanguage,
			SampleRate: cfg.AudioSampleRate,
			Reconnect: &resilience.ReconnectConfig{
				MaxAttempts: cfg.ReconnectMaxAttempts,
				Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
				Multiplier:  2.0,
				MaxBackoff:  30 * time.Second,
			},
		}
		// The checker never connects; it reports the shared breaker
		checker := diarization.NewDeepgramClient(dgConfig, breaker, logger)
		return func(connLogger zerolog.Logger) diarization.Client {
			return diarization.NewDeepgramClient(dgConfig, breaker, connLogger)
		}, checker.HealthCheck

	default:
		client := diarization.NewHTTPClient(diarization.HTTPConfig{
			URL:          cfg.DiarizationURL,
			HealthURL:    cfg.DiarizationHealthURL,
			Timeout:      cfg.DiarizationTimeout(),
			RetryBackoff: time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		}, nil, breaker, logger)
		return func(zerolog.Logger) diarization.Client { return client }, client.HealthCheck
	}
}
