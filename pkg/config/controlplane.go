package config

import "time"

// Config holds runtime configuration for the control plane.
type Config struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	DockerHost    string

	MaxConcurrentBuilds int
	BuildTimeout        time.Duration
	RetryAttempts       int
	RetryBaseDelay      time.Duration
	ImageRegistry       string
	WorkspaceRoot       string

	NetworkName         string
	IngressURL          string
	IngressPingURL      string
	IngressDomainSuffix string

	ReconcileInterval  time.Duration
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	MonitorInterval    time.Duration
	AutoRestartFailed  bool
	RuntimeLogReplay   int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("CONTROL_PLANE_ADDR", ":3001"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://minipaas:minipaas@db:5432/minipaas?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		DockerHost:    GetString("DOCKER_HOST", ""),

		MaxConcurrentBuilds: GetInt("MAX_CONCURRENT_BUILDS", 2),
		BuildTimeout:        time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 900)) * time.Second,
		RetryAttempts:       GetInt("BUILD_RETRY_ATTEMPTS", 3),
		RetryBaseDelay:      time.Duration(GetInt("BUILD_RETRY_DELAY_MS", 5000)) * time.Millisecond,
		ImageRegistry:       GetString("IMAGE_REGISTRY", "minipaas"),
		WorkspaceRoot:       GetString("WORKSPACE_ROOT", "/var/lib/minipaas/workspaces"),

		NetworkName:         GetString("PAAS_NETWORK", "minipaas_paas_network"),
		IngressURL:          GetString("INGRESS_URL", "http://traefik:80"),
		IngressPingURL:      GetString("INGRESS_PING_URL", "http://traefik:8080/ping"),
		IngressDomainSuffix: GetString("INGRESS_DOMAIN_SUFFIX", ".localhost"),

		ReconcileInterval:  time.Duration(GetInt("RECONCILE_INTERVAL_SECONDS", 10)) * time.Second,
		ProbeInterval:      time.Duration(GetInt("HEALTH_PROBE_INTERVAL_SECONDS", 30)) * time.Second,
		ProbeTimeout:       time.Duration(GetInt("HEALTH_PROBE_TIMEOUT_SECONDS", 5)) * time.Second,
		MonitorInterval:    time.Duration(GetInt("SYSTEM_HEALTH_INTERVAL_SECONDS", 60)) * time.Second,
		AutoRestartFailed:  GetBool("AUTO_RESTART_FAILED", false),
		RuntimeLogReplay:   GetInt("RUNTIME_LOG_REPLAY", 100),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
