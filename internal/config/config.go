package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Assets     []string         `json:"assets" yaml:"assets"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Events     EventsConfig     `json:"events" yaml:"events"`
	Artifacts  ArtifactsConfig  `json:"artifacts" yaml:"artifacts"`
	Fusion     FusionConfig     `json:"fusion" yaml:"fusion"`
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`
	Detector   DetectorConfig   `json:"detector" yaml:"detector"`
	Policy     PolicyConfig     `json:"policy" yaml:"policy"`
	Dispatch   DispatchConfig   `json:"dispatch" yaml:"dispatch"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing"`
}

type APIConfig struct {
	Enabled   bool    `json:"enabled" yaml:"enabled"`
	Addr      string  `json:"addr" yaml:"addr"`
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`
}

type StorageConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	DSN    string      `json:"dsn" yaml:"dsn"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
	Retry  RetryConfig `json:"retry" yaml:"retry"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

type RetryConfig struct {
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
	MaxTries        uint          `json:"max_tries" yaml:"max_tries"`
}

type EventsConfig struct {
	Driver        string      `json:"driver" yaml:"driver"`
	ChannelBuffer int         `json:"channel_buffer" yaml:"channel_buffer"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers     []string `json:"brokers" yaml:"brokers"`
	TopicPrefix string   `json:"topic_prefix" yaml:"topic_prefix"`
	GroupID     string   `json:"group_id" yaml:"group_id"`
}

type ArtifactsConfig struct {
	Driver    string `json:"driver" yaml:"driver"`
	Dir       string `json:"dir" yaml:"dir"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

type FusionConfig struct {
	WeightAnomaly     float64       `json:"weight_anomaly" yaml:"weight_anomaly"`
	WeightPhysics     float64       `json:"weight_physics" yaml:"weight_physics"`
	ElevatedThreshold float64       `json:"elevated_threshold" yaml:"elevated_threshold"`
	Epsilon           float64       `json:"epsilon" yaml:"epsilon"`
	OracleTimeout     time.Duration `json:"oracle_timeout" yaml:"oracle_timeout"`
	ModelVersion      string        `json:"model_version" yaml:"model_version"`
}

type SimulationConfig struct {
	CalibrationKey string             `json:"calibration_key" yaml:"calibration_key"`
	Version        string             `json:"version" yaml:"version"`
	Coefficients   BearingCoefficient `json:"coefficients" yaml:"coefficients"`
}

// BearingCoefficient parameterises the analytic bearing-wear model.
type BearingCoefficient struct {
	VibBase           float64 `json:"vib_base" yaml:"vib_base"`
	K1                float64 `json:"k1" yaml:"k1"`
	K2                float64 `json:"k2" yaml:"k2"`
	K3                float64 `json:"k3" yaml:"k3"`
	K4                float64 `json:"k4" yaml:"k4"`
	PowerBase         float64 `json:"power_base" yaml:"power_base"`
	C1                float64 `json:"c1" yaml:"c1"`
	C2                float64 `json:"c2" yaml:"c2"`
	ThermalResistance float64 `json:"thermal_resistance" yaml:"thermal_resistance"`
}

type DetectorConfig struct {
	WindowSize      int     `json:"window_size" yaml:"window_size"`
	MinSamples      int     `json:"min_samples" yaml:"min_samples"`
	ZScoreThreshold float64 `json:"zscore_threshold" yaml:"zscore_threshold"`
	VibRMSLimit     float64 `json:"vib_rms_limit" yaml:"vib_rms_limit"`
	LimitFactor     float64 `json:"limit_factor" yaml:"limit_factor"`
	Base            float64 `json:"base" yaml:"base"`
	K1              float64 `json:"k1" yaml:"k1"`
	K2              float64 `json:"k2" yaml:"k2"`
}

type PolicyConfig struct {
	Bands        []BandConfig  `json:"bands" yaml:"bands"`
	Interval     time.Duration `json:"interval" yaml:"interval"`
	Concurrency  int           `json:"concurrency" yaml:"concurrency"`
	AuditLimit   int           `json:"audit_limit" yaml:"audit_limit"`
	StaleRetries int           `json:"stale_retries" yaml:"stale_retries"`
	Polling      bool          `json:"polling" yaml:"polling"`
}

// BandConfig maps health indices >= MinHealth to a capability tuple. Bands
// are evaluated from the highest MinHealth down; the last band must start at 0.
type BandConfig struct {
	MinHealth      int     `json:"min_health" yaml:"min_health"`
	Assurance      string  `json:"assurance" yaml:"assurance"`
	Grade          string  `json:"grade" yaml:"grade"`
	ToleranceClass string  `json:"tolerance_class" yaml:"tolerance_class"`
	EnergyCost     float64 `json:"energy_cost" yaml:"energy_cost"`
}

type DispatchConfig struct {
	HistoryLimit      int           `json:"history_limit" yaml:"history_limit"`
	DefaultBidTimeout time.Duration `json:"default_bid_timeout" yaml:"default_bid_timeout"`
	MinBidTimeout     time.Duration `json:"min_bid_timeout" yaml:"min_bid_timeout"`
	MaxBidTimeout     time.Duration `json:"max_bid_timeout" yaml:"max_bid_timeout"`
	ProxyBidding      bool          `json:"proxy_bidding" yaml:"proxy_bidding"`
	AuctionRetention  time.Duration `json:"auction_retention" yaml:"auction_retention"`
	ViewLimit         int           `json:"view_limit" yaml:"view_limit"`
	ViewTTL           time.Duration `json:"view_ttl" yaml:"view_ttl"`
}

type IngestConfig struct {
	WindowSize   int               `json:"window_size" yaml:"window_size"`
	Workers      int               `json:"workers" yaml:"workers"`
	QueueSize    int               `json:"queue_size" yaml:"queue_size"`
	DedupeWindow time.Duration     `json:"dedupe_window" yaml:"dedupe_window"`
	MinInterval  time.Duration     `json:"min_interval" yaml:"min_interval"`
	Kafka        IngestKafkaConfig `json:"kafka" yaml:"kafka"`
}

type IngestKafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type TracingConfig struct {
	Exporter    string  `json:"exporter" yaml:"exporter"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

func DefaultBands() []BandConfig {
	return []BandConfig{
		{MinHealth: 90, Assurance: "assured", Grade: "A", ToleranceClass: "±0.02mm", EnergyCost: 0.85},
		{MinHealth: 80, Assurance: "offered", Grade: "B", ToleranceClass: "±0.05mm", EnergyCost: 1.0},
		{MinHealth: 0, Assurance: "notAvailable", Grade: "C", ToleranceClass: "±0.05mm", EnergyCost: 1.25},
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		API:      APIConfig{Enabled: true, Addr: ":8011", RateLimit: 50, RateBurst: 100},
		Storage: StorageConfig{
			Driver: "memory",
			DSN:    "file:adaptivx.db?_pragma=busy_timeout(5000)",
			Redis:  RedisConfig{Addr: "localhost:6379", Prefix: "adaptivx"},
			Retry:  RetryConfig{InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second, MaxTries: 5},
		},
		Events: EventsConfig{
			Driver:        "memory",
			ChannelBuffer: 1024,
			Kafka:         KafkaConfig{TopicPrefix: "adaptivx.", GroupID: "adaptivx"},
		},
		Artifacts: ArtifactsConfig{Driver: "none", Bucket: "adaptivx-fmu"},
		Fusion: FusionConfig{
			WeightAnomaly:     0.6,
			WeightPhysics:     0.4,
			ElevatedThreshold: 0.2,
			Epsilon:           0.1,
			OracleTimeout:     2 * time.Second,
			ModelVersion:      "stat-detector-1.0",
		},
		Simulation: SimulationConfig{
			Version: "bearing-wear-1.0",
			Coefficients: BearingCoefficient{
				VibBase: 0.5, K1: 0.001, K2: 0.002, K3: 3.0, K4: 0.005,
				PowerBase: 50.0, C1: 0.0001, C2: 0.5, ThermalResistance: 0.02,
			},
		},
		Detector: DetectorConfig{
			WindowSize:      200,
			MinSamples:      20,
			ZScoreThreshold: 3.0,
			VibRMSLimit:     3.0,
			LimitFactor:     2.0,
			Base:            0.5,
			K1:              0.001,
			K2:              0.002,
		},
		Policy: PolicyConfig{
			Bands:        DefaultBands(),
			Interval:     2 * time.Second,
			Concurrency:  8,
			AuditLimit:   1000,
			StaleRetries: 3,
			Polling:      true,
		},
		Dispatch: DispatchConfig{
			HistoryLimit:      100,
			DefaultBidTimeout: 5 * time.Second,
			MinBidTimeout:     100 * time.Millisecond,
			MaxBidTimeout:     10 * time.Minute,
			ProxyBidding:      false,
			AuctionRetention:  time.Hour,
			ViewLimit:         5000,
			ViewTTL:           5 * time.Minute,
		},
		Ingest: IngestConfig{
			WindowSize:   50,
			Workers:      4,
			QueueSize:    1024,
			DedupeWindow: time.Minute,
			Kafka:        IngestKafkaConfig{Enabled: false, Topic: "adaptivx.sensors", GroupID: "adaptivx-ingest"},
		},
		Tracing: TracingConfig{Exporter: "none", ServiceName: "adaptivx"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes a YAML or JSON document over the defaults.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	// Bands replace rather than merge, so decode into an empty slice.
	cfg.Policy.Bands = nil
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if len(cfg.Policy.Bands) == 0 {
		cfg.Policy.Bands = DefaultBands()
	}
	if cfg.Policy.Interval <= 0 {
		cfg.Policy.Interval = def.Policy.Interval
	}
	if cfg.Policy.Concurrency <= 0 {
		cfg.Policy.Concurrency = def.Policy.Concurrency
	}
	if cfg.Policy.AuditLimit <= 0 {
		cfg.Policy.AuditLimit = def.Policy.AuditLimit
	}
	if cfg.Policy.StaleRetries <= 0 {
		cfg.Policy.StaleRetries = def.Policy.StaleRetries
	}
	if cfg.Fusion.Epsilon <= 0 {
		cfg.Fusion.Epsilon = def.Fusion.Epsilon
	}
	if cfg.Fusion.OracleTimeout <= 0 {
		cfg.Fusion.OracleTimeout = def.Fusion.OracleTimeout
	}
	if cfg.Fusion.ElevatedThreshold <= 0 {
		cfg.Fusion.ElevatedThreshold = def.Fusion.ElevatedThreshold
	}
	if cfg.Dispatch.HistoryLimit <= 0 {
		cfg.Dispatch.HistoryLimit = def.Dispatch.HistoryLimit
	}
	if cfg.Dispatch.DefaultBidTimeout <= 0 {
		cfg.Dispatch.DefaultBidTimeout = def.Dispatch.DefaultBidTimeout
	}
	if cfg.Dispatch.MinBidTimeout <= 0 {
		cfg.Dispatch.MinBidTimeout = def.Dispatch.MinBidTimeout
	}
	if cfg.Dispatch.MaxBidTimeout <= 0 {
		cfg.Dispatch.MaxBidTimeout = def.Dispatch.MaxBidTimeout
	}
	if cfg.Dispatch.AuctionRetention <= 0 {
		cfg.Dispatch.AuctionRetention = def.Dispatch.AuctionRetention
	}
	if cfg.Dispatch.ViewLimit <= 0 {
		cfg.Dispatch.ViewLimit = def.Dispatch.ViewLimit
	}
	if cfg.Dispatch.ViewTTL <= 0 {
		cfg.Dispatch.ViewTTL = def.Dispatch.ViewTTL
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Storage.Retry.InitialInterval <= 0 {
		cfg.Storage.Retry.InitialInterval = def.Storage.Retry.InitialInterval
	}
	if cfg.Storage.Retry.MaxInterval <= 0 {
		cfg.Storage.Retry.MaxInterval = def.Storage.Retry.MaxInterval
	}
	if cfg.Storage.Retry.MaxTries == 0 {
		cfg.Storage.Retry.MaxTries = def.Storage.Retry.MaxTries
	}
	if cfg.Events.Driver == "" {
		cfg.Events.Driver = def.Events.Driver
	}
	if cfg.Events.ChannelBuffer <= 0 {
		cfg.Events.ChannelBuffer = def.Events.ChannelBuffer
	}
	if cfg.Ingest.WindowSize <= 0 {
		cfg.Ingest.WindowSize = def.Ingest.WindowSize
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = def.Ingest.Workers
	}
	if cfg.Ingest.QueueSize <= 0 {
		cfg.Ingest.QueueSize = def.Ingest.QueueSize
	}
	if cfg.Detector.WindowSize <= 0 {
		cfg.Detector.WindowSize = def.Detector.WindowSize
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = def.Tracing.ServiceName
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	f := cfg.Fusion
	if f.WeightAnomaly < 0 || f.WeightAnomaly > 1 || f.WeightPhysics < 0 || f.WeightPhysics > 1 {
		return errors.New("fusion weights must be in [0, 1]")
	}
	if f.ElevatedThreshold > 1 {
		return errors.New("fusion.elevated_threshold must be <= 1")
	}
	if err := ValidateBands(cfg.Policy.Bands); err != nil {
		return err
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "sqlite", "postgres", "postgresql", "redis":
	default:
		return fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
	switch strings.ToLower(cfg.Events.Driver) {
	case "memory":
	case "kafka":
		if len(cfg.Events.Kafka.Brokers) == 0 || cfg.Events.Kafka.GroupID == "" {
			return errors.New("events.kafka requires brokers and group_id")
		}
	default:
		return fmt.Errorf("unsupported events.driver %q", cfg.Events.Driver)
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	switch strings.ToLower(cfg.Artifacts.Driver) {
	case "", "none":
	case "dir":
		if cfg.Artifacts.Dir == "" {
			return errors.New("artifacts.dir required when artifacts.driver is dir")
		}
	case "minio":
		if cfg.Artifacts.Endpoint == "" || cfg.Artifacts.Bucket == "" {
			return errors.New("artifacts.minio requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("unsupported artifacts.driver %q", cfg.Artifacts.Driver)
	}
	if cfg.Dispatch.MinBidTimeout > cfg.Dispatch.MaxBidTimeout {
		return errors.New("dispatch.min_bid_timeout must not exceed dispatch.max_bid_timeout")
	}
	return nil
}

var (
	assuranceRank = map[string]int{"assured": 3, "offered": 2, "notAvailable": 1}
	gradeRank     = map[string]int{"A": 3, "B": 2, "C": 1}
)

// ValidateBands checks that bands are sorted by strictly descending
// MinHealth, end at 0, and never gain trust as health drops.
func ValidateBands(bands []BandConfig) error {
	if len(bands) == 0 {
		return errors.New("policy.bands must not be empty")
	}
	for i, b := range bands {
		if b.MinHealth < 0 || b.MinHealth > 100 {
			return fmt.Errorf("policy.bands[%d].min_health %d out of [0,100]", i, b.MinHealth)
		}
		if assuranceRank[b.Assurance] == 0 {
			return fmt.Errorf("policy.bands[%d].assurance %q unknown", i, b.Assurance)
		}
		if gradeRank[b.Grade] == 0 {
			return fmt.Errorf("policy.bands[%d].grade %q unknown", i, b.Grade)
		}
		if b.EnergyCost < 0 {
			return fmt.Errorf("policy.bands[%d].energy_cost must be >= 0", i)
		}
		if i == 0 {
			continue
		}
		prev := bands[i-1]
		if b.MinHealth >= prev.MinHealth {
			return fmt.Errorf("policy.bands must be sorted by descending min_health (index %d)", i)
		}
		if assuranceRank[b.Assurance] > assuranceRank[prev.Assurance] || gradeRank[b.Grade] > gradeRank[prev.Grade] {
			return fmt.Errorf("policy.bands[%d] is more trusted than a healthier band", i)
		}
	}
	if bands[len(bands)-1].MinHealth != 0 {
		return errors.New("policy.bands last band must have min_health 0")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
