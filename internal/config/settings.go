package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Store     StoreConfig     `json:"store"`
	Proxy     ProxyConfig     `json:"proxy"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Admission AdmissionConfig `json:"admission"`
	Cache     CacheConfig     `json:"cache"`
	Archive   ArchiveConfig   `json:"archive"`
	Auth      AuthConfig      `json:"auth"`
}

type ServerConfig struct {
	Port              int  `json:"port" validate:"min=1,max=65535"`
	TrustForwardedFor bool `json:"trust_forwarded_for"`
}

type StoreConfig struct {
	Backend  string `json:"backend" validate:"oneof=redis memory"`
	RedisURL string `json:"-"`
}

type ProxyConfig struct {
	MinHealthScore  float64 `json:"min_health_score" validate:"gte=0,lte=100"`
	ExploreRate     float64 `json:"explore_rate" validate:"gte=0,lte=1"`
	MaxInflight     int     `json:"max_inflight" validate:"min=1"`
	EWMAAlpha       float64 `json:"ewma_alpha" validate:"gt=0,lte=1"`
	SelectionPolicy string  `json:"selection_policy" validate:"oneof=epsilon_greedy least_latency round_robin"`

	BurnFailureRate  float64 `json:"burn_failure_rate" validate:"gt=0,lte=100"`
	BurnMinRequests  int64   `json:"burn_min_requests" validate:"min=0"`
	CriticalHealth   float64 `json:"critical_health" validate:"gte=0,lte=100"`
	HealthyThreshold float64 `json:"healthy_threshold" validate:"gte=0,lte=100"`
	MinHealthy       int     `json:"min_healthy" validate:"min=0"`
	TargetHealthy    int     `json:"target_healthy" validate:"gtefield=MinHealthy"`
	ProvisionBatch   int     `json:"provision_batch" validate:"min=1"`

	RequestTimeoutSeconds int     `json:"request_timeout_seconds" validate:"min=1"`
	HourlyCostAlert       float64 `json:"hourly_cost_alert" validate:"gte=0"`

	CostPerGB      map[string]float64 `json:"cost_per_gb"`
	CostPerRequest map[string]float64 `json:"cost_per_request"`

	StaticListFile string `json:"static_list_file"`
	GeoIPDatabase  string `json:"geoip_database"`

	HealthMonitorTimer   Timer `json:"health_monitor_timer"`
	CostMonitorTimer     Timer `json:"cost_monitor_timer"`
	RotationTimer        Timer `json:"rotation_timer"`
	StickyIdleTimer      Timer `json:"sticky_idle_timer"`
	BurnedRetentionTimer Timer `json:"burned_retention_timer"`

	CredentialKey string `json:"-"`
}

type RateLimitConfig struct {
	CapacityGlobal   float64 `json:"capacity_global" validate:"gte=0"`
	RateGlobal       float64 `json:"rate_global" validate:"gte=0"`
	CapacityRoute    float64 `json:"capacity_route" validate:"gte=0"`
	RateRoute        float64 `json:"rate_route" validate:"gte=0"`
	CapacityUser     float64 `json:"capacity_user" validate:"gte=0"`
	RateUser         float64 `json:"rate_user" validate:"gte=0"`
	CapacityIP       float64 `json:"capacity_ip" validate:"gte=0"`
	RateIP           float64 `json:"rate_ip" validate:"gte=0"`
	CostPerRequest   float64 `json:"cost_per_request" validate:"gt=0"`
	BucketTTLSeconds int     `json:"bucket_ttl" validate:"min=1"`
}

type AdmissionConfig struct {
	MaxConcurrency   int `json:"max_concurrency" validate:"min=1"`
	ShedThreshold    int `json:"shed_threshold" validate:"min=1"`
	ShedRetryAfterMs int `json:"shed_retry_after_ms" validate:"min=1"`
}

type CacheConfig struct {
	SigningSecret         string `json:"signing_secret" validate:"required"`
	DefaultTTLSeconds     int    `json:"default_ttl" validate:"min=1"`
	SWRTTLSeconds         int    `json:"swr_ttl" validate:"gtefield=DefaultTTLSeconds"`
	RefreshTimeoutSeconds int    `json:"refresh_timeout_seconds" validate:"min=1"`
	MaxBodyBytes          int64  `json:"max_body_bytes" validate:"min=1"`
	LockTTLSeconds        int    `json:"lock_ttl" validate:"min=1"`
	LockPollMillis        int    `json:"lock_poll_ms" validate:"min=1"`
}

type ArchiveConfig struct {
	Driver string `json:"driver" validate:"omitempty,oneof=postgres sqlite"`
	DSN    string `json:"-"`
}

type AuthConfig struct {
	JWTSecret string `json:"-"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

var (
	//go:embed default_settings.json
	defaultConfig []byte

	settingsPath atomic.Value

	configValue atomic.Value
	fileValue   atomic.Value
	configMu    sync.Mutex

	InProductionMode bool
)

func init() {
	settingsPath.Store(filepath.Join("data", "settings.json"))

	cfg, err := DefaultConfig()
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	configValue.Store(cfg)
	fileValue.Store(cfg)
}

// DefaultConfig decodes the embedded defaults.
func DefaultConfig() (Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func SettingsFilePath() string {
	return settingsPath.Load().(string)
}

func setSettingsFilePath(path string) {
	settingsPath.Store(path)
}

// ReadSettings loads the settings file, creating it from the embedded
// defaults when missing, and applies it on top of the environment.
func ReadSettings() error {
	settingsFilePath := SettingsFilePath()
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read settings file: %w", err)
		}

		log.Warn("Settings file not found, creating with default configuration", "path", settingsFilePath)
		if err := os.MkdirAll(filepath.Dir(settingsFilePath), 0o755); err != nil {
			return fmt.Errorf("create settings directory: %w", err)
		}
		if err := os.WriteFile(settingsFilePath, defaultConfig, 0o644); err != nil {
			return fmt.Errorf("write default settings file: %w", err)
		}
		data = defaultConfig
	}

	newConfig, err := DefaultConfig()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &newConfig); err != nil {
		return fmt.Errorf("decode settings file: %w", err)
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		return fmt.Errorf("apply settings file: %w", err)
	}

	log.Debug("Settings file loaded successfully", "path", settingsFilePath)
	return nil
}

// SetConfig applies newConfig, writes it to the settings file and announces
// it to the other nodes.
func SetConfig(newConfig Config) error {
	return applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

// applyConfigUpdate validates newConfig with environment overrides applied
// and stores the result. The file and the broadcast carry newConfig as given
// so secrets from the environment never leave the process.
func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	effective := newConfig
	applyEnvOverrides(&effective)
	if err := Validate(effective); err != nil {
		return err
	}

	configValue.Store(effective)
	fileValue.Store(newConfig)
	SetBetweenTime()

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal settings: %w", err))
		} else if err := writeSettingsFile(data); err != nil {
			errs = append(errs, fmt.Errorf("write settings file: %w", err))
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			errs = append(errs, fmt.Errorf("serialize settings for broadcast: %w", err))
		} else if err := broadcastConfigUpdate(payload); err != nil {
			errs = append(errs, fmt.Errorf("broadcast settings: %w", err))
		}
	}

	log.Debug("Configuration applied", "source", opts.source)
	return errors.Join(errs...)
}

func writeSettingsFile(data []byte) error {
	settingsFilePath := SettingsFilePath()
	if err := os.MkdirAll(filepath.Dir(settingsFilePath), 0o755); err != nil {
		return err
	}
	markSelfWrite()
	return os.WriteFile(settingsFilePath, data, 0o644)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

// fileConfig is the last applied configuration without environment overrides.
func fileConfig() Config {
	return fileValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}
