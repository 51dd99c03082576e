package services

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"licensegate/internal/storage"
	"licensegate/pkg/contracts"
	api "licensegate/pkg/contracts/api/v1"
)

const (
	StatusOK       = "ok"
	StatusReady    = "ready"
	StatusNotReady = "not_ready"
	StatusAlive    = "alive"
	StatusDegraded = "degraded"

	defaultCheckTimeout = 2 * time.Second
)

// ClientCounter reports the number of connected audit stream subscribers
type ClientCounter interface {
	ClientCount() int
}

// HealthService provides health check functionality
type HealthService struct {
	server       string
	version      string
	startTime    time.Time
	checkTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu       sync.RWMutex
	backends map[string]storage.Pinger
	stream   ClientCounter
}

// NewHealthService creates a new health service
func NewHealthService(server, version string, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		server:       server,
		version:      version,
		startTime:    time.Now(),
		checkTimeout: defaultCheckTimeout,
		now:          time.Now,
		logger:       logger.With(slog.String("component", "health_service")),
		backends:     make(map[string]storage.Pinger),
	}
}

// AddBackend registers a backend probed by ReadinessCheck
func (hs *HealthService) AddBackend(name string, p storage.Pinger) {
	if p == nil {
		return
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.backends[name] = p
}

// SetStream attaches the audit stream hub
func (hs *HealthService) SetStream(c ClientCounter) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.stream = c
}

// SetCheckTimeout bounds each backend probe
func (hs *HealthService) SetCheckTimeout(d time.Duration) {
	if d > 0 {
		hs.checkTimeout = d
	}
}

// HealthCheck returns the liveness answer served at /validate/health.
// It never touches a backend.
func (hs *HealthService) HealthCheck(ctx context.Context) api.HealthResponse {
	return api.HealthResponse{
		Status:    StatusOK,
		Timestamp: hs.now().UTC(),
		Server:    hs.server,
	}
}

// ReadinessCheck probes every registered backend
func (hs *HealthService) ReadinessCheck(ctx context.Context) api.HealthResponse {
	hs.mu.RLock()
	names := make([]string, 0, len(hs.backends))
	for name := range hs.backends {
		names = append(names, name)
	}
	backends := make(map[string]storage.Pinger, len(hs.backends))
	for k, v := range hs.backends {
		backends[k] = v
	}
	hs.mu.RUnlock()
	sort.Strings(names)

	resp := api.HealthResponse{
		Status:    StatusOK,
		Timestamp: hs.now().UTC(),
		Server:    hs.server,
		Version:   hs.version,
		Checks:    make(map[string]string, len(names)),
	}

	for _, name := range names {
		if err := hs.ping(ctx, backends[name]); err != nil {
			hs.logger.WarnContext(ctx, "backend not ready",
				slog.String("backend", name),
				slog.String("error", err.Error()))
			resp.Checks[name] = StatusNotReady
			resp.Status = StatusDegraded
			continue
		}
		resp.Checks[name] = StatusReady
	}

	return resp
}

func (hs *HealthService) ping(ctx context.Context, p storage.Pinger) error {
	ctx, cancel := context.WithTimeout(ctx, hs.checkTimeout)
	defer cancel()
	return p.Ping(ctx)
}

// LivenessCheck returns process level facts
func (hs *HealthService) LivenessCheck(ctx context.Context) map[string]interface{} {
	hs.mu.RLock()
	stream := hs.stream
	hs.mu.RUnlock()

	result := map[string]interface{}{
		"status":         StatusAlive,
		"timestamp":      hs.now().UTC(),
		"uptime_seconds": time.Since(hs.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
	}
	if stream != nil {
		result["stream_clients"] = stream.ClientCount()
	}
	return result
}

// Version returns version information
func (hs *HealthService) Version() map[string]interface{} {
	info := contracts.GetVersionInfo()
	return map[string]interface{}{
		"server":      hs.server,
		"version":     hs.version,
		"api_version": info.APIVersion,
		"build_time":  info.BuildTime,
		"git_commit":  info.GitCommit,
		"go_version":  runtime.Version(),
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"start_time":  hs.startTime.Format(time.RFC3339),
	}
}
