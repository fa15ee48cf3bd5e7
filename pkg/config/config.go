package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Worker struct {
		InstanceID     string        `yaml:"instance_id"`
		URL            string        `yaml:"url"` // ws:// endpoint tabs dial
		APIURL         string        `yaml:"api_url"`
		DrainInterval  time.Duration `yaml:"drain_interval"`
		LeaseDuration  time.Duration `yaml:"lease_duration"`
		FailedCooldown time.Duration `yaml:"failed_cooldown"`
		ClaimBatch     int           `yaml:"claim_batch"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		DialTimeout    time.Duration `yaml:"dial_timeout"`
	} `yaml:"worker"`

	Capture struct {
		Address            string        `yaml:"address"`
		ContentType        string        `yaml:"content_type"`
		MouseMoveInterval  time.Duration `yaml:"mouse_move_interval"`
		MouseMoveDistance  float64       `yaml:"mouse_move_distance"`
		WheelInterval      time.Duration `yaml:"wheel_interval"`
		MediaPollInterval  time.Duration `yaml:"media_poll_interval"`
		BackgroundSync     bool          `yaml:"background_sync"`
		ServiceWorkerRoute bool          `yaml:"service_worker_route"`
		MaxSegmentBytes    int64         `yaml:"max_segment_bytes"`

		// WebRTC receives the game stream when the page forwards its offer.
		WebRTC struct {
			Enabled    bool        `yaml:"enabled"`
			ICEServers []ICEServer `yaml:"ice_servers"`
			PortMin    uint16      `yaml:"port_min"`
			PortMax    uint16      `yaml:"port_max"`
		} `yaml:"webrtc"`
	} `yaml:"capture"`

	Upload struct {
		// RateBitsPerSecond is nil (or absent) for unlimited throughput.
		RateBitsPerSecond *int64        `yaml:"rate_bits_per_second"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		TargetCacheTTL    time.Duration `yaml:"target_cache_ttl"`

		CircuitBreaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"upload"`

	Retry struct {
		MaxAttempts  int           `yaml:"max_attempts"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		Multiplier   float64       `yaml:"multiplier"`
		Jitter       bool          `yaml:"jitter"`
	} `yaml:"retry"`

	Storage struct {
		Backend    string `yaml:"backend"` // sqlite, redis or memory
		Root       string `yaml:"root"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"storage"`

	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Presign struct {
		Mode       string        `yaml:"mode"` // api or s3
		APIBaseURL string        `yaml:"api_base_url"`
		APIToken   string        `yaml:"api_token"`
		Bucket     string        `yaml:"bucket"`
		Region     string        `yaml:"region"`
		Endpoint   string        `yaml:"endpoint"`
		Prefix     string        `yaml:"prefix"`
		URLTTL     time.Duration `yaml:"url_ttl"`
	} `yaml:"presign"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   struct {
			Path       string `yaml:"path"`
			MaxSizeMB  int    `yaml:"max_size_mb"`
			MaxBackups int    `yaml:"max_backups"`
			MaxAgeDays int    `yaml:"max_age_days"`
			Compress   bool   `yaml:"compress"`
		} `yaml:"file"`
	} `yaml:"logging"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

const minLeaseDuration = 3 * time.Second

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Worker
	if c.Worker.DrainInterval <= 0 {
		return fmt.Errorf("worker.drain_interval must be > 0")
	}
	if c.Worker.LeaseDuration <= 0 {
		return fmt.Errorf("worker.lease_duration must be > 0")
	}
	// Claims are renewed every lease/3 while an upload runs.
	if c.Worker.LeaseDuration < minLeaseDuration {
		return fmt.Errorf("worker.lease_duration must be >= %v", minLeaseDuration)
	}
	if c.Worker.FailedCooldown < 0 {
		return fmt.Errorf("worker.failed_cooldown must be >= 0")
	}
	if c.Worker.ClaimBatch <= 0 {
		return fmt.Errorf("worker.claim_batch must be > 0")
	}
	if c.Worker.PingInterval <= 0 || c.Worker.PongTimeout <= c.Worker.PingInterval {
		return fmt.Errorf("worker.pong_timeout must be > worker.ping_interval > 0")
	}

	// Capture
	if c.Capture.MouseMoveInterval < 0 || c.Capture.WheelInterval < 0 {
		return fmt.Errorf("capture sampling intervals must be >= 0")
	}
	if c.Capture.MouseMoveDistance < 0 {
		return fmt.Errorf("capture.mouse_move_distance must be >= 0")
	}
	if c.Capture.MediaPollInterval <= 0 {
		return fmt.Errorf("capture.media_poll_interval must be > 0")
	}
	if c.Capture.MaxSegmentBytes <= 0 {
		return fmt.Errorf("capture.max_segment_bytes must be > 0")
	}
	if c.Capture.WebRTC.PortMin > c.Capture.WebRTC.PortMax {
		return fmt.Errorf("capture.webrtc.port_min must be <= port_max")
	}

	// Upload
	if c.Upload.RateBitsPerSecond != nil && *c.Upload.RateBitsPerSecond < 0 {
		return fmt.Errorf("upload.rate_bits_per_second must be >= 0 (omit for unlimited)")
	}
	if c.Upload.RequestTimeout <= 0 {
		return fmt.Errorf("upload.request_timeout must be > 0")
	}

	// Retry
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}

	// Storage
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.Root == "" || c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.root and storage.sqlite_path must be set for the sqlite backend")
		}
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("storage.backend=redis requires redis.enabled=true")
		}
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root must be set for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be one of sqlite, redis, memory (got %q)", c.Storage.Backend)
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Presign
	switch c.Presign.Mode {
	case "api":
		if c.Presign.APIBaseURL == "" {
			return fmt.Errorf("presign.api_base_url must be set when presign.mode=api")
		}
	case "s3":
		if c.Presign.Bucket == "" {
			return fmt.Errorf("presign.bucket must be set when presign.mode=s3")
		}
		if c.Presign.URLTTL <= 0 {
			return fmt.Errorf("presign.url_ttl must be > 0")
		}
	default:
		return fmt.Errorf("presign.mode must be api or s3 (got %q)", c.Presign.Mode)
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// LoadFirst loads the first config file that exists among paths. With none present it
// returns the defaults with env overrides applied.
func LoadFirst(paths ...string) (*Config, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	cfg, err := Load("")
	return cfg, "", err
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file next to the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8090"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 5 * time.Minute // segment PUT proxies can be slow when throttled
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Worker.URL = "ws://localhost:8090/ws"
	cfg.Worker.APIURL = "http://localhost:8090"
	cfg.Worker.DrainInterval = 30 * time.Second
	cfg.Worker.LeaseDuration = 2 * time.Minute
	cfg.Worker.FailedCooldown = 5 * time.Minute
	cfg.Worker.ClaimBatch = 16
	cfg.Worker.PingInterval = 30 * time.Second
	cfg.Worker.PongTimeout = 60 * time.Second
	cfg.Worker.DialTimeout = 5 * time.Second

	cfg.Capture.Address = ":8091"
	cfg.Capture.ContentType = "video/webm"
	cfg.Capture.MouseMoveInterval = 50 * time.Millisecond
	cfg.Capture.MouseMoveDistance = 5
	cfg.Capture.WheelInterval = 100 * time.Millisecond
	cfg.Capture.MediaPollInterval = 16 * time.Millisecond
	cfg.Capture.BackgroundSync = true
	cfg.Capture.ServiceWorkerRoute = true
	cfg.Capture.MaxSegmentBytes = 512 << 20
	cfg.Capture.WebRTC.Enabled = true
	cfg.Capture.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Upload.RequestTimeout = 10 * time.Minute
	cfg.Upload.TargetCacheTTL = 10 * time.Minute
	cfg.Upload.CircuitBreaker.FailureThreshold = 5
	cfg.Upload.CircuitBreaker.Timeout = 30 * time.Second

	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelay = 500 * time.Millisecond
	cfg.Retry.MaxDelay = 10 * time.Second
	cfg.Retry.Multiplier = 2
	cfg.Retry.Jitter = true

	cfg.Storage.Backend = "sqlite"
	cfg.Storage.Root = "./data/segments"
	cfg.Storage.SQLitePath = "./data/rillcap.db"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "rillcap"

	cfg.Presign.Mode = "api"
	cfg.Presign.APIBaseURL = "http://localhost:8000"
	cfg.Presign.URLTTL = 15 * time.Minute

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 12 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 15 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "rillcap"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("RILLCAP_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("RILLCAP_CAPTURE_ADDRESS"); addr != "" {
		c.Capture.Address = addr
	}
	if url := os.Getenv("RILLCAP_WORKER_URL"); url != "" {
		c.Worker.URL = url
	}
	if id := os.Getenv("RILLCAP_WORKER_INSTANCE_ID"); id != "" {
		c.Worker.InstanceID = id
	}
	if level := os.Getenv("RILLCAP_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("RILLCAP_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if backend := os.Getenv("RILLCAP_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if addr := os.Getenv("RILLCAP_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if token := os.Getenv("RILLCAP_PRESIGN_API_TOKEN"); token != "" {
		c.Presign.APIToken = token
	}
	if raw, ok := os.LookupEnv("RILLCAP_UPLOAD_RATE_BPS"); ok {
		if raw == "" || raw == "unlimited" {
			c.Upload.RateBitsPerSecond = nil
		} else {
			bps, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("RILLCAP_UPLOAD_RATE_BPS: %w", err)
			}
			c.Upload.RateBitsPerSecond = &bps
		}
	}
	return nil
}
