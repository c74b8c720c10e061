// Package config provides configuration management for the render agent.
// Values come from built-in defaults, an optional TOML file, an optional
// .env file and the process environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	// Default values
	DefaultPort              = 8787
	DefaultLogLevel          = "info"
	DefaultDataDir           = ".heimdex-render"
	DefaultMaxConcurrentRuns = 2
	DefaultFPS               = 30.0
	DefaultSampleRate        = 44100
	DefaultStaleMaxAge       = 24 * time.Hour
	DefaultNtfyServer        = "https://ntfy.sh"
	DefaultEnvFile           = ".env"
	DefaultS3Region          = "us-east-1"

	// Environment variable names
	EnvConfigFile        = "HEIMDEX_RENDER_CONFIG"
	EnvPort              = "HEIMDEX_PORT"
	EnvLogLevel          = "HEIMDEX_LOG_LEVEL"
	EnvLogFile           = "HEIMDEX_LOG_FILE"
	EnvDataDir           = "HEIMDEX_DATA_DIR"
	EnvStagingDir        = "HEIMDEX_STAGING_DIR"
	EnvProjectsDir       = "HEIMDEX_PROJECTS_DIR"
	EnvExportsDir        = "HEIMDEX_EXPORTS_DIR"
	EnvFFmpegPath        = "HEIMDEX_FFMPEG_PATH"
	EnvFFprobePath       = "HEIMDEX_FFPROBE_PATH"
	EnvMaxConcurrentRuns = "HEIMDEX_MAX_CONCURRENT_RUNS"
	EnvDefaultFPS        = "HEIMDEX_DEFAULT_FPS"
	EnvSampleRate        = "HEIMDEX_SAMPLE_RATE"
	EnvStaleMaxAge       = "HEIMDEX_STALE_MAX_AGE"
	EnvHeadless          = "HEIMDEX_HEADLESS"
	EnvNtfyServer        = "HEIMDEX_NTFY_SERVER"
	EnvNtfyTopic         = "HEIMDEX_NTFY_TOPIC"
	EnvS3Endpoint        = "HEIMDEX_S3_ENDPOINT"
	EnvS3Bucket          = "HEIMDEX_S3_BUCKET"
	EnvS3AccessKey       = "HEIMDEX_S3_ACCESS_KEY"
	EnvS3SecretKey       = "HEIMDEX_S3_SECRET_KEY"
	EnvS3UseSSL          = "HEIMDEX_S3_USE_SSL"
	EnvS3Region          = "HEIMDEX_S3_REGION"
	EnvS3Prefix          = "HEIMDEX_S3_PREFIX"
	EnvCloudBaseURL      = "HEIMDEX_CLOUD_BASE_URL"
	EnvCloudToken        = "HEIMDEX_CLOUD_TOKEN"
	EnvCloudOrgID        = "HEIMDEX_CLOUD_ORG_ID"
	EnvShareBaseURL      = "HEIMDEX_SHARE_BASE_URL"

	// Database filename
	DBFilename = "render.db"
)

// S3Config addresses the object storage bucket used by the remote destination.
type S3Config struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
	Region    string `toml:"region"`
	Prefix    string `toml:"prefix"`
}

// Enabled reports whether enough is set to reach a bucket.
func (s S3Config) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

// CloudConfig addresses the Heimdex cloud upload API.
type CloudConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	OrgID   string `toml:"org_id"`
}

func (c CloudConfig) Enabled() bool {
	return c.BaseURL != "" && c.Token != ""
}

// NtfyConfig addresses the push notification topic for export summaries.
type NtfyConfig struct {
	Server string `toml:"server"`
	Topic  string `toml:"topic"`
}

func (n NtfyConfig) Enabled() bool {
	return n.Topic != ""
}

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	LogFile() string
	DataDir() string
	DBPath() string
	StagingDir() string
	ProjectsDir() string
	ExportsDir() string
	FFmpegPath() string
	FFprobePath() string
	MaxConcurrentRuns() int
	DefaultFPS() float64
	SampleRate() int
	StaleMaxAge() time.Duration
	Headless() bool
	Ntfy() NtfyConfig
	S3() S3Config
	Cloud() CloudConfig
	ShareBaseURL() string
}

// fileConfig mirrors the TOML document. Zero values leave defaults alone.
type fileConfig struct {
	Port              int         `toml:"port"`
	LogLevel          string      `toml:"log_level"`
	LogFile           string      `toml:"log_file"`
	DataDir           string      `toml:"data_dir"`
	StagingDir        string      `toml:"staging_dir"`
	ProjectsDir       string      `toml:"projects_dir"`
	ExportsDir        string      `toml:"exports_dir"`
	FFmpegPath        string      `toml:"ffmpeg_path"`
	FFprobePath       string      `toml:"ffprobe_path"`
	MaxConcurrentRuns int         `toml:"max_concurrent_runs"`
	DefaultFPS        float64     `toml:"default_fps"`
	SampleRate        int         `toml:"sample_rate"`
	StaleMaxAge       string      `toml:"stale_max_age"`
	Headless          *bool       `toml:"headless"`
	ShareBaseURL      string      `toml:"share_base_url"`
	Ntfy              NtfyConfig  `toml:"ntfy"`
	S3                S3Config    `toml:"s3"`
	Cloud             CloudConfig `toml:"cloud"`
}

// EnvConfig is the resolved configuration.
type EnvConfig struct {
	port              int
	logLevel          string
	logFile           string
	dataDir           string
	stagingDir        string
	projectsDir       string
	exportsDir        string
	ffmpegPath        string
	ffprobePath       string
	maxConcurrentRuns int
	defaultFPS        float64
	sampleRate        int
	staleMaxAge       time.Duration
	headless          bool
	shareBaseURL      string
	ntfy              NtfyConfig
	s3                S3Config
	cloud             CloudConfig

	configFile string
}

// Options selects the optional file sources. Empty fields disable them.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// New loads configuration using HEIMDEX_RENDER_CONFIG and ./.env.
func New() (*EnvConfig, error) {
	return Load(Options{
		ConfigFile: os.Getenv(EnvConfigFile),
		EnvFile:    DefaultEnvFile,
	})
}

// Load applies defaults, then the TOML file, then the .env file, then the
// process environment. Values in .env never override the real environment.
func Load(opts Options) (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:              DefaultPort,
		logLevel:          DefaultLogLevel,
		dataDir:           defaultDataDir(),
		maxConcurrentRuns: DefaultMaxConcurrentRuns,
		defaultFPS:        DefaultFPS,
		sampleRate:        DefaultSampleRate,
		staleMaxAge:       DefaultStaleMaxAge,
		ntfy:              NtfyConfig{Server: DefaultNtfyServer},
		s3:                S3Config{Region: DefaultS3Region},
	}

	if opts.ConfigFile != "" {
		if err := cfg.applyFile(opts.ConfigFile); err != nil {
			return nil, err
		}
	}

	dotenv := map[string]string{}
	if opts.EnvFile != "" {
		vals, err := godotenv.Read(opts.EnvFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", opts.EnvFile, err)
		}
		if vals != nil {
			dotenv = vals
		}
	}
	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.fillDerived()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *EnvConfig) applyFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var fc fileConfig
	if err := toml.NewDecoder(file).Decode(&fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.configFile = path

	setInt(&c.port, fc.Port)
	setString(&c.logLevel, fc.LogLevel)
	setString(&c.logFile, fc.LogFile)
	setString(&c.dataDir, fc.DataDir)
	setString(&c.stagingDir, fc.StagingDir)
	setString(&c.projectsDir, fc.ProjectsDir)
	setString(&c.exportsDir, fc.ExportsDir)
	setString(&c.ffmpegPath, fc.FFmpegPath)
	setString(&c.ffprobePath, fc.FFprobePath)
	setInt(&c.maxConcurrentRuns, fc.MaxConcurrentRuns)
	if fc.DefaultFPS != 0 {
		c.defaultFPS = fc.DefaultFPS
	}
	setInt(&c.sampleRate, fc.SampleRate)
	if fc.StaleMaxAge != "" {
		d, err := time.ParseDuration(fc.StaleMaxAge)
		if err != nil {
			return fmt.Errorf("invalid stale_max_age: %w", err)
		}
		c.staleMaxAge = d
	}
	if fc.Headless != nil {
		c.headless = *fc.Headless
	}
	setString(&c.shareBaseURL, fc.ShareBaseURL)
	setString(&c.ntfy.Server, fc.Ntfy.Server)
	setString(&c.ntfy.Topic, fc.Ntfy.Topic)
	if fc.S3 != (S3Config{}) {
		region := c.s3.Region
		c.s3 = fc.S3
		if c.s3.Region == "" {
			c.s3.Region = region
		}
	}
	if fc.Cloud != (CloudConfig{}) {
		c.cloud = fc.Cloud
	}
	return nil
}

func (c *EnvConfig) applyEnv(lookup func(string) string) error {
	var err error
	if c.port, err = envInt(lookup, EnvPort, c.port); err != nil {
		return err
	}
	if c.maxConcurrentRuns, err = envInt(lookup, EnvMaxConcurrentRuns, c.maxConcurrentRuns); err != nil {
		return err
	}
	if c.sampleRate, err = envInt(lookup, EnvSampleRate, c.sampleRate); err != nil {
		return err
	}
	if v := lookup(EnvDefaultFPS); v != "" {
		fps, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return fmt.Errorf("invalid %s: %w", EnvDefaultFPS, perr)
		}
		c.defaultFPS = fps
	}
	if v := lookup(EnvStaleMaxAge); v != "" {
		d, perr := time.ParseDuration(v)
		if perr != nil {
			return fmt.Errorf("invalid %s: %w", EnvStaleMaxAge, perr)
		}
		c.staleMaxAge = d
	}
	if c.headless, err = envBool(lookup, EnvHeadless, c.headless); err != nil {
		return err
	}
	if c.s3.UseSSL, err = envBool(lookup, EnvS3UseSSL, c.s3.UseSSL); err != nil {
		return err
	}

	for key, dst := range map[string]*string{
		EnvLogLevel:     &c.logLevel,
		EnvLogFile:      &c.logFile,
		EnvDataDir:      &c.dataDir,
		EnvStagingDir:   &c.stagingDir,
		EnvProjectsDir:  &c.projectsDir,
		EnvExportsDir:   &c.exportsDir,
		EnvFFmpegPath:   &c.ffmpegPath,
		EnvFFprobePath:  &c.ffprobePath,
		EnvNtfyServer:   &c.ntfy.Server,
		EnvNtfyTopic:    &c.ntfy.Topic,
		EnvS3Endpoint:   &c.s3.Endpoint,
		EnvS3Bucket:     &c.s3.Bucket,
		EnvS3AccessKey:  &c.s3.AccessKey,
		EnvS3SecretKey:  &c.s3.SecretKey,
		EnvS3Region:     &c.s3.Region,
		EnvS3Prefix:     &c.s3.Prefix,
		EnvCloudBaseURL: &c.cloud.BaseURL,
		EnvCloudToken:   &c.cloud.Token,
		EnvCloudOrgID:   &c.cloud.OrgID,
		EnvShareBaseURL: &c.shareBaseURL,
	} {
		setString(dst, lookup(key))
	}
	return nil
}

// fillDerived places unset directories under the data directory.
func (c *EnvConfig) fillDerived() {
	c.dataDir = expandHome(c.dataDir)
	for dst, name := range map[*string]string{
		&c.stagingDir:  "staging",
		&c.projectsDir: "projects",
		&c.exportsDir:  "exports",
	} {
		if *dst == "" {
			*dst = filepath.Join(c.dataDir, name)
		} else {
			*dst = expandHome(*dst)
		}
	}
	if c.logFile != "" {
		c.logFile = expandHome(c.logFile)
	}
	c.shareBaseURL = strings.TrimRight(c.shareBaseURL, "/")
	if c.shareBaseURL == "" {
		c.shareBaseURL = fmt.Sprintf("http://127.0.0.1:%d", c.port)
	}
	c.cloud.BaseURL = strings.TrimRight(c.cloud.BaseURL, "/")
}

func (c *EnvConfig) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.port)
	}
	if c.maxConcurrentRuns < 1 {
		return fmt.Errorf("invalid max concurrent runs %d: must be at least 1", c.maxConcurrentRuns)
	}
	if c.defaultFPS <= 0 || c.defaultFPS > 120 {
		return fmt.Errorf("invalid default fps %v: must be in (0, 120]", c.defaultFPS)
	}
	if c.sampleRate < 8000 || c.sampleRate > 192000 {
		return fmt.Errorf("invalid sample rate %d: must be between 8000 and 192000", c.sampleRate)
	}
	if c.staleMaxAge <= 0 {
		return fmt.Errorf("invalid stale max age %s", c.staleMaxAge)
	}
	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// LogFile returns the rotated log file path; empty logs to stdout only.
func (c *EnvConfig) LogFile() string {
	return c.logFile
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

func (c *EnvConfig) StagingDir() string         { return c.stagingDir }
func (c *EnvConfig) ProjectsDir() string        { return c.projectsDir }
func (c *EnvConfig) ExportsDir() string         { return c.exportsDir }
func (c *EnvConfig) FFmpegPath() string         { return c.ffmpegPath }
func (c *EnvConfig) FFprobePath() string        { return c.ffprobePath }
func (c *EnvConfig) MaxConcurrentRuns() int     { return c.maxConcurrentRuns }
func (c *EnvConfig) DefaultFPS() float64        { return c.defaultFPS }
func (c *EnvConfig) SampleRate() int            { return c.sampleRate }
func (c *EnvConfig) StaleMaxAge() time.Duration { return c.staleMaxAge }
func (c *EnvConfig) Headless() bool             { return c.headless }
func (c *EnvConfig) Ntfy() NtfyConfig           { return c.ntfy }
func (c *EnvConfig) S3() S3Config               { return c.s3 }
func (c *EnvConfig) Cloud() CloudConfig         { return c.cloud }
func (c *EnvConfig) ShareBaseURL() string       { return c.shareBaseURL }

// ConfigFile returns the TOML file that was loaded, if any.
func (c *EnvConfig) ConfigFile() string { return c.configFile }

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func envInt(lookup func(string) string, key string, fallback int) (int, error) {
	v := lookup(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envBool(lookup func(string) string, key string, fallback bool) (bool, error) {
	v := lookup(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
