package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/interview-gateway/internal/interview"
	"github.com/lexiqai/interview-gateway/internal/observability"
	"github.com/lexiqai/interview-gateway/internal/resilience"
)

const (
	// ServiceName is the gRPC service the analysis backend exposes
	ServiceName = "interview.v1.AnalysisService"
	// AnalyzeMethod takes and returns a google.protobuf.Struct
	AnalyzeMethod = "/" + ServiceName + "/Analyze"
)

// GRPCConfig holds connection settings for the gRPC analysis client
type GRPCConfig struct {
	Target      string
	TLSEnabled  bool
	DialTimeout time.Duration
}

// GRPCClient calls the analysis service over gRPC with Struct payloads
type GRPCClient struct {
	config         GRPCConfig
	dialOpts       []grpc.DialOption
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger

	mu          sync.RWMutex
	conn        *grpc.ClientConn
	health      healthpb.HealthClient
	isConnected bool
}

// NewGRPCClient dials the analysis service. Extra dial options are appended
// after the defaults.
func NewGRPCClient(ctx context.Context, cfg GRPCConfig, breaker *resilience.CircuitBreaker, logger zerolog.Logger, extra ...grpc.DialOption) (*GRPCClient, error) {
	c := &GRPCClient{
		config:         cfg,
		dialOpts:       extra,
		circuitBreaker: breaker,
		logger:         logger.With().Str("component", "analysis_grpc").Logger(),
	}

	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to analysis service: %w", err)
	}
	return c, nil
}

// connect establishes the gRPC connection
func (c *GRPCClient) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isConnected && c.conn != nil {
		return nil
	}

	var opts []grpc.DialOption
	if c.config.TLSEnabled {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(nil)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, c.dialOpts...)

	timeout := c.config.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, c.config.Target, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial analysis service at %s: %w", c.config.Target, err)
	}

	c.conn = conn
	c.health = healthpb.NewHealthClient(conn)
	c.isConnected = true

	c.logger.Info().Str("target", c.config.Target).Msg("Connected to analysis service")
	return nil
}

// Analyze performs one unary analysis call. It is never retried.
func (c *GRPCClient) Analyze(ctx context.Context, req Request) (*Payload, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interview.ErrRemoteCallFailed, err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("%w: analysis client is not connected", interview.ErrRemoteCallFailed)
	}

	out := &structpb.Struct{}
	call := func() error {
		return conn.Invoke(ctx, AnalyzeMethod, in, out)
	}

	if c.circuitBreaker != nil {
		err = c.circuitBreaker.Call(call)
		observability.UpdateCircuitBreakerState(c.circuitBreaker.Name(), int(c.circuitBreaker.GetState()))
		if err != nil {
			observability.IncrementCircuitBreakerFailures(c.circuitBreaker.Name())
		}
	} else {
		err = call()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interview.ErrRemoteCallFailed, err)
	}

	var resp Response
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", interview.ErrRemoteCallFailed, err)
	}
	return unwrapResponse(&resp)
}

// HealthCheck asks the standard gRPC health service about the analysis service
func (c *GRPCClient) HealthCheck(ctx context.Context) (bool, error) {
	c.mu.RLock()
	if !c.isConnected || c.health == nil {
		c.mu.RUnlock()
		return false, errors.New("analysis client is not connected")
	}
	health := c.health
	c.mu.RUnlock()

	resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.isConnected = false
	c.conn = nil
	c.health = nil
	return err
}

// toStruct converts a JSON-tagged value to a protobuf Struct
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a protobuf Struct into a JSON-tagged value
func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
