package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/metrics"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "SYNTHMETRICS_"

var validate = validator.New()

// Config holds the complete run configuration
type Config struct {
	Run         RunConfig         `yaml:"run"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Extractor   ExtractorConfig   `yaml:"extractor"`
	Cache       CacheConfig       `yaml:"cache"`
	Distributed DistributedConfig `yaml:"distributed"`
	Dataset     DatasetConfig     `yaml:"dataset"`
	Synthetic   SyntheticConfig   `yaml:"synthetic"`
	Results     ResultsConfig     `yaml:"results"`
	Server      ServerConfig      `yaml:"server"`

	// Kinds is the parsed form of Metrics.Names, filled by Validate.
	Kinds []metrics.Kind `yaml:"-"`
}

// RunConfig holds per-run settings
type RunConfig struct {
	RunDir         string `yaml:"run_dir" validate:"required"`
	BatchSize      int    `yaml:"batch_size" validate:"gt=0"`
	DataType       string `yaml:"data_type" validate:"oneof=2D 3D"`
	Verbose        bool   `yaml:"verbose"`
	LogLevel       string `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	OCDetectorPath string `yaml:"oc_detector_path"`
}

// MetricsConfig holds metric selection and per-metric parameters
type MetricsConfig struct {
	Names     []string        `yaml:"names" validate:"required,min=1"`
	NhoodSize NhoodSizeConfig `yaml:"nhood_size"`
	KNN       KNNConfig       `yaml:"knn"`
	Padding   bool            `yaml:"padding"`
	KID       KIDConfig       `yaml:"kid"`
	IS        ISConfig        `yaml:"is"`
	MaxItems  int             `yaml:"max_items" validate:"gte=0"` // raw-sample cap, 0 = keep all
	Seed      int64           `yaml:"seed"`
}

// NhoodSizeConfig holds the k of each k-NN based metric
type NhoodSizeConfig struct {
	PR     int `yaml:"pr" validate:"gt=0"`
	PRDC   int `yaml:"prdc" validate:"gt=0"`
	PRAuth int `yaml:"pr_auth" validate:"gt=0"`
}

// KNNConfig sizes the qualitative k-NN grid
type KNNConfig struct {
	NumReal  int `yaml:"num_real" validate:"gt=0"`
	NumSynth int `yaml:"num_synth" validate:"gt=0"`
}

// KIDConfig holds kernel distance subsampling parameters
type KIDConfig struct {
	NumSubsets    int `yaml:"num_subsets" validate:"gt=0"`
	MaxSubsetSize int `yaml:"max_subset_size" validate:"gt=1"`
}

// ISConfig holds inception score parameters
type ISConfig struct {
	NumSplits int `yaml:"num_splits" validate:"gt=0"`
}

// ExtractorConfig describes the frozen feature network and its preprocessing
type ExtractorConfig struct {
	WeightsPath string  `yaml:"weights_path"`
	Seed        int64   `yaml:"seed"`
	Channels    int     `yaml:"channels" validate:"gt=0"`
	Resolution  int     `yaml:"resolution" validate:"gt=0"`
	Depth       int     `yaml:"depth" validate:"gt=0"`
	Grid        int     `yaml:"grid" validate:"gt=0"`
	DepthGrid   int     `yaml:"depth_grid" validate:"gt=0"`
	EmbedDim    int     `yaml:"embed_dim" validate:"gt=0"`
	NumClasses  int     `yaml:"num_classes" validate:"gt=1"`
	ValueMin    float64 `yaml:"value_min"`
	ValueMax    float64 `yaml:"value_max"`
}

// CacheConfig holds statistics cache configuration
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Dir             string        `yaml:"dir"`
	Backend         string        `yaml:"backend" validate:"oneof=file badger"`
	MemoryCapacity  int           `yaml:"memory_capacity" validate:"gte=0"`
	MemoryMaxValues int64         `yaml:"memory_max_values" validate:"gte=0"`
	TTL             time.Duration `yaml:"ttl"`
}

// DistributedConfig holds rank layout and coordination settings
type DistributedConfig struct {
	WorldSize     int           `yaml:"world_size" validate:"gt=0"`
	Rank          int           `yaml:"rank" validate:"gte=0"`
	Mode          string        `yaml:"mode" validate:"oneof=local grpc"`
	Coordinator   string        `yaml:"coordinator"`
	GatherTimeout time.Duration `yaml:"gather_timeout"`
	Shard         string        `yaml:"shard" validate:"oneof=strided contiguous"`
	Device        string        `yaml:"device"`
}

// DatasetConfig describes an image-folder dataset
type DatasetConfig struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	Pattern     string `yaml:"pattern"`
	LabelsPath  string `yaml:"labels_path"`
	UseLabels   bool   `yaml:"use_labels"`
	SizeDataset int    `yaml:"size_dataset" validate:"gte=0"`
	Seed        int64  `yaml:"seed"`
}

// SyntheticConfig selects where synthetic images come from
type SyntheticConfig struct {
	Mode      string          `yaml:"mode" validate:"oneof=files generator"`
	Files     DatasetConfig   `yaml:"files"`
	Generator GeneratorConfig `yaml:"generator"`
}

// GeneratorConfig describes a registered generator source
type GeneratorConfig struct {
	Name      string `yaml:"name"`
	NumImages int    `yaml:"num_images" validate:"gte=0"`
	Seed      int64  `yaml:"seed"`
}

// ResultsConfig holds results log options
type ResultsConfig struct {
	SQLite bool `yaml:"sqlite"`
}

// ServerConfig holds results API server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AuthEnabled     bool          `yaml:"auth_enabled"`
	JWTSecret       string        `yaml:"jwt_secret"`
	RateLimit       float64       `yaml:"rate_limit" validate:"gte=0"`
	RateBurst       int           `yaml:"rate_burst" validate:"gte=0"`
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Run: RunConfig{
			RunDir:    "runs/metrics",
			BatchSize: 64,
			DataType:  "2D",
			Verbose:   true,
			LogLevel:  "info",
		},
		Metrics: MetricsConfig{
			Names:     []string{"fid", "kid", "is", "pr_auth", "prdc", "knn"},
			NhoodSize: NhoodSizeConfig{PR: 3, PRDC: 5, PRAuth: 5},
			KNN:       KNNConfig{NumReal: 3, NumSynth: 5},
			KID:       KIDConfig{NumSubsets: 100, MaxSubsetSize: 1000},
			IS:        ISConfig{NumSplits: 10},
			Seed:      0,
		},
		Extractor: ExtractorConfig{
			Seed:       42,
			Channels:   3,
			Resolution: 64,
			Depth:      16,
			Grid:       8,
			DepthGrid:  4,
			EmbedDim:   256,
			NumClasses: 10,
			ValueMin:   0,
			ValueMax:   1,
		},
		Cache: CacheConfig{
			Enabled:         true,
			Dir:             "",
			Backend:         "file",
			MemoryCapacity:  16,
			MemoryMaxValues: 1 << 26,
			TTL:             30 * time.Minute,
		},
		Distributed: DistributedConfig{
			WorldSize:     1,
			Rank:          0,
			Mode:          "local",
			Coordinator:   "127.0.0.1:50061",
			GatherTimeout: 10 * time.Minute,
			Shard:         "strided",
			Device:        "cpu",
		},
		Dataset: DatasetConfig{
			Name: "real",
		},
		Synthetic: SyntheticConfig{
			Mode:  "files",
			Files: DatasetConfig{Name: "synthetic"},
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       100,
			RateBurst:       200,
		},
	}
}

// Load reads a YAML configuration file on top of the defaults, applies a .env
// file from the working directory if present, then environment overrides, and
// validates the result. Unknown YAML keys are rejected.
func Load(path string) (*Config, error) {
	return load(path, (*Config).Validate)
}

// LoadServer is Load for the results API server, which only needs the run
// directory and the server section.
func LoadServer(path string) (*Config, error) {
	return load(path, (*Config).ValidateServer)
}

func load(path string, check func(*Config) error) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, errdefs.Configf(".env", "%v", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errdefs.Configf("config", "read %s: %v", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := check(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping values the document does not set.
func Parse(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return errdefs.Configf("config", "parse yaml: %v", err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	// Run configuration
	if dir := getenv("RUN_DIR"); dir != "" {
		c.Run.RunDir = dir
	}
	if err := envInt("BATCH_SIZE", &c.Run.BatchSize); err != nil {
		return err
	}
	if dt := getenv("DATA_TYPE"); dt != "" {
		c.Run.DataType = strings.ToUpper(dt)
	}
	if err := envBool("VERBOSE", &c.Run.Verbose); err != nil {
		return err
	}
	if level := getenv("LOG_LEVEL"); level != "" {
		c.Run.LogLevel = level
	}
	if path := getenv("OC_DETECTOR_PATH"); path != "" {
		c.Run.OCDetectorPath = path
	}

	// Metrics configuration
	if names := getenv("METRICS"); names != "" {
		c.Metrics.Names = splitList(names)
	}
	if err := envBool("PADDING", &c.Metrics.Padding); err != nil {
		return err
	}
	if err := envInt("MAX_ITEMS", &c.Metrics.MaxItems); err != nil {
		return err
	}

	// Cache configuration
	if err := envBool("USE_CACHE", &c.Cache.Enabled); err != nil {
		return err
	}
	if dir := getenv("CACHE_DIR"); dir != "" {
		c.Cache.Dir = dir
	}
	if backend := getenv("CACHE_BACKEND"); backend != "" {
		c.Cache.Backend = backend
	}

	// Distributed configuration
	if err := envInt("WORLD_SIZE", &c.Distributed.WorldSize); err != nil {
		return err
	}
	if err := envInt("RANK", &c.Distributed.Rank); err != nil {
		return err
	}
	if mode := getenv("DIST_MODE"); mode != "" {
		c.Distributed.Mode = mode
	}
	if addr := getenv("COORDINATOR"); addr != "" {
		c.Distributed.Coordinator = addr
	}
	if timeout := getenv("GATHER_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return errdefs.Configf(EnvPrefix+"GATHER_TIMEOUT", "invalid duration %q", timeout)
		}
		c.Distributed.GatherTimeout = d
	}

	// Server configuration
	if host := getenv("HOST"); host != "" {
		c.Server.Host = host
	}
	if err := envInt("PORT", &c.Server.Port); err != nil {
		return err
	}
	if secret := getenv("JWT_SECRET"); secret != "" {
		c.Server.JWTSecret = secret
		c.Server.AuthEnabled = true
	}

	return nil
}

// Validate checks if the configuration is valid and parses the metric list.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errdefs.Configf(fe.Namespace(), "failed %q check (value %v)", fe.Tag(), fe.Value())
		}
		return errdefs.Configf("", "%v", err)
	}

	kinds, err := metrics.ParseKinds(c.Metrics.Names)
	if err != nil {
		return err
	}
	c.Kinds = kinds

	if c.Extractor.ValueMax <= c.Extractor.ValueMin {
		return errdefs.Configf("extractor.value_max", "must exceed value_min (%g <= %g)",
			c.Extractor.ValueMax, c.Extractor.ValueMin)
	}

	if c.Distributed.Rank >= c.Distributed.WorldSize {
		return errdefs.Configf("distributed.rank", "rank %d out of range for world size %d",
			c.Distributed.Rank, c.Distributed.WorldSize)
	}
	if c.Distributed.Mode == "grpc" {
		if c.Distributed.Coordinator == "" {
			return errdefs.Configf("distributed.coordinator", "required in grpc mode")
		}
		if c.Distributed.GatherTimeout <= 0 {
			return errdefs.Configf("distributed.gather_timeout", "must be > 0")
		}
	}

	if c.Dataset.Path == "" {
		return errdefs.Configf("dataset.path", "real dataset path not specified")
	}
	switch c.Synthetic.Mode {
	case "files":
		if c.Synthetic.Files.Path == "" {
			return errdefs.Configf("synthetic.files.path", "synthetic dataset path not specified")
		}
	case "generator":
		if c.Synthetic.Generator.Name == "" {
			return errdefs.Configf("synthetic.generator.name", "generator name not specified")
		}
		if c.Synthetic.Generator.NumImages <= 0 {
			return errdefs.Configf("synthetic.generator.num_images", "must be > 0")
		}
	}

	if c.Server.AuthEnabled && c.Server.JWTSecret == "" {
		return errdefs.Configf("server.jwt_secret", "auth enabled but no secret specified")
	}

	return nil
}

// ValidateServer checks the settings the results API server uses.
func (c *Config) ValidateServer() error {
	if c.Run.RunDir == "" {
		return errdefs.Configf("run.run_dir", "required")
	}
	if err := validate.Struct(c.Server); err != nil {
		return errdefs.Configf("server", "%v", err)
	}
	if c.Server.AuthEnabled && c.Server.JWTSecret == "" {
		return errdefs.Configf("server.jwt_secret", "auth enabled but no secret specified")
	}
	return nil
}

// CacheDir returns the configured cache directory, defaulting to <run_dir>/cache.
func (c *Config) CacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	return strings.TrimRight(c.Run.RunDir, "/") + "/cache"
}

// Is3D reports whether images are volumes.
func (c *Config) Is3D() bool {
	return c.Run.DataType == "3D"
}

// Address returns the server address (host:port)
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func envInt(key string, dst *int) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errdefs.Configf(EnvPrefix+key, "invalid integer %q", v)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return errdefs.Configf(EnvPrefix+key, "invalid boolean %q", v)
	}
	*dst = b
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
