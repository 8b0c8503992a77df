package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Duration is a time.Duration that reads from JSON as a Go duration string
// ("30s", "24h") or as a number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or a number of seconds")
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// TranscriptionConfig configures the external speech-to-text tool.
type TranscriptionConfig struct {
	// WhisperPath is the whisper.cpp CLI binary (e.g. whisper-cli).
	WhisperPath string `json:"whisper_path,omitempty"`

	// ModelPath is the ggml model file passed with -m.
	ModelPath string `json:"model_path,omitempty"`

	// FFmpegPath converts non-WAV audio (Telegram voice notes are OGG/Opus)
	// to 16kHz mono WAV. A bare name is resolved through PATH.
	FFmpegPath string `json:"ffmpeg_path,omitempty"`

	// Language is passed with -l when set ("auto" lets whisper detect it).
	Language string `json:"language,omitempty"`

	// Threads is passed with -t when > 0.
	Threads int `json:"threads,omitempty"`

	// Timeout bounds one transcription, conversion included.
	Timeout Duration `json:"timeout,omitempty"`
}

// WatcherConfig configures the incoming-stage poller.
type WatcherConfig struct {
	PollInterval Duration `json:"poll_interval,omitempty"`

	// MaxAttempts is the number of failed transcriptions after which a voice
	// item is marked failed.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// RetryBackoff is the minimum time between two attempts on the same item.
	RetryBackoff Duration `json:"retry_backoff,omitempty"`
}

// ArchiverConfig configures the ready-stage sweep.
type ArchiverConfig struct {
	Interval Duration `json:"interval,omitempty"`

	// Retention is how long an item stays ready before it is archived.
	Retention Duration `json:"retention,omitempty"`
}

// Config holds application configuration.
type Config struct {
	// BaseDir is the directory config.json was loaded from. Not serialized.
	BaseDir string `json:"-"`

	// ContentDir holds the stage directories, the inbox and the media folder.
	// Relative paths are resolved against BaseDir.
	ContentDir string `json:"content_dir,omitempty"`

	// StageDirs overrides the directory name (or absolute path) per stage.
	// Keys: incoming, processed, ready, archived, failed.
	StageDirs map[string]string `json:"stage_dirs,omitempty"`

	// VaultPath is the Obsidian vault root documents are written into.
	VaultPath string `json:"vault_path,omitempty"`

	// VaultFolder is the folder inside the vault that receives captures.
	VaultFolder string `json:"vault_folder,omitempty"`

	// CategoryFolders maps a finalize category to a folder under VaultFolder.
	// Entries are merged over the defaults.
	CategoryFolders map[string]string `json:"category_folders,omitempty"`

	Transcription TranscriptionConfig `json:"transcription"`
	Watcher       WatcherConfig       `json:"watcher"`
	Archiver      ArchiverConfig      `json:"archiver"`

	// Timezone decides which calendar day an item belongs to in summaries.
	Timezone string `json:"timezone,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level,omitempty"`

	// LogFile, when set, receives a copy of every log line.
	LogFile string `json:"log_file,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// AllowedPaths are extra absolute directories export files may be
	// written directly into, besides BaseDir/exports.
	AllowedPaths []string `json:"allowed_paths,omitempty"`
}

// DefaultStageDirs are the directory names used under ContentDir.
var DefaultStageDirs = map[string]string{
	"incoming":  "incoming",
	"processed": "processed",
	"ready":     "ready_for_obsidian",
	"archived":  "archive",
	"failed":    "failed",
}

// DefaultCategoryFolders routes finalize categories to vault folders.
var DefaultCategoryFolders = map[string]string{
	"todos": "TODOs",
	"ideas": "Ideas",
	"voice": "Voice Notes",
	"links": "Links",
	"notes": "Quick Notes",
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ContentDir:  "content",
		VaultFolder: "Telegram Captures",
		Transcription: TranscriptionConfig{
			FFmpegPath: "ffmpeg",
			Timeout:    Duration(2 * time.Minute),
		},
		Watcher: WatcherConfig{
			PollInterval: Duration(10 * time.Second),
			MaxAttempts:  3,
			RetryBackoff: Duration(30 * time.Second),
		},
		Archiver: ArchiverConfig{
			Interval:  Duration(time.Hour),
			Retention: Duration(24 * time.Hour),
		},
		Timezone: "Local",
		LogLevel: "info",
	}
}

// Load loads configuration from baseDir/config.json (comments and trailing
// commas allowed), then applies BRIDGE_* overrides from baseDir/.env and the
// process environment, in that order of increasing precedence.
// Returns default config if no file exists.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}

	dotenv, err := readDotenv(filepath.Join(baseDir, ".env"))
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	})

	cfg.resolvePaths(baseDir)
	return cfg, nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

func readDotenv(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return values, nil
}

// applyEnv overrides paths and the log level from BRIDGE_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("BRIDGE_CONTENT_DIR", &cfg.ContentDir)
	set("BRIDGE_VAULT_PATH", &cfg.VaultPath)
	set("BRIDGE_WHISPER_PATH", &cfg.Transcription.WhisperPath)
	set("BRIDGE_WHISPER_MODEL", &cfg.Transcription.ModelPath)
	set("BRIDGE_FFMPEG_PATH", &cfg.Transcription.FFmpegPath)
	set("BRIDGE_TIMEZONE", &cfg.Timezone)
	set("BRIDGE_LOG_LEVEL", &cfg.LogLevel)
	set("BRIDGE_LOG_FILE", &cfg.LogFile)

	if v, ok := lookup("BRIDGE_MAX_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.Watcher.MaxAttempts = n
		}
	}
}

// resolvePaths makes relative content and log paths absolute against baseDir.
func (c *Config) resolvePaths(baseDir string) {
	c.BaseDir = baseDir
	if c.ContentDir != "" && !filepath.IsAbs(c.ContentDir) {
		c.ContentDir = filepath.Join(baseDir, c.ContentDir)
	}
	if c.LogFile != "" && !filepath.IsAbs(c.LogFile) {
		c.LogFile = filepath.Join(baseDir, c.LogFile)
	}
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; maps are merged key by key;
// arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{BaseDir: pick(overlay.BaseDir, base.BaseDir)}

	result.ContentDir = pick(overlay.ContentDir, base.ContentDir)
	result.VaultPath = pick(overlay.VaultPath, base.VaultPath)
	result.VaultFolder = pick(overlay.VaultFolder, base.VaultFolder)
	result.Timezone = pick(overlay.Timezone, base.Timezone)
	result.LogLevel = pick(overlay.LogLevel, base.LogLevel)
	result.LogFile = pick(overlay.LogFile, base.LogFile)

	result.Transcription = TranscriptionConfig{
		WhisperPath: pick(overlay.Transcription.WhisperPath, base.Transcription.WhisperPath),
		ModelPath:   pick(overlay.Transcription.ModelPath, base.Transcription.ModelPath),
		FFmpegPath:  pick(overlay.Transcription.FFmpegPath, base.Transcription.FFmpegPath),
		Language:    pick(overlay.Transcription.Language, base.Transcription.Language),
		Threads:     pick(overlay.Transcription.Threads, base.Transcription.Threads),
		Timeout:     pick(overlay.Transcription.Timeout, base.Transcription.Timeout),
	}
	result.Watcher = WatcherConfig{
		PollInterval: pick(overlay.Watcher.PollInterval, base.Watcher.PollInterval),
		MaxAttempts:  pick(overlay.Watcher.MaxAttempts, base.Watcher.MaxAttempts),
		RetryBackoff: pick(overlay.Watcher.RetryBackoff, base.Watcher.RetryBackoff),
	}
	result.Archiver = ArchiverConfig{
		Interval:  pick(overlay.Archiver.Interval, base.Archiver.Interval),
		Retention: pick(overlay.Archiver.Retention, base.Archiver.Retention),
	}

	result.DBMaxOpenConns = pick(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pick(overlay.DBMaxIdleConns, base.DBMaxIdleConns)

	result.StageDirs = mergeStringMap(base.StageDirs, overlay.StageDirs)
	result.CategoryFolders = mergeStringMap(base.CategoryFolders, overlay.CategoryFolders)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)

	return result
}

// pick returns overlay unless it is the zero value.
func pick[T comparable](overlay, base T) T {
	var zero T
	if overlay != zero {
		return overlay
	}
	return base
}

func mergeStringMap(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	result := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		if strings.TrimSpace(v) != "" {
			result[k] = strings.TrimSpace(v)
		}
	}
	return result
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

// StageDir returns the absolute directory holding representations for stage.
func (c *Config) StageDir(stage string) string {
	name := DefaultStageDirs[stage]
	if override, ok := c.StageDirs[stage]; ok && override != "" {
		name = override
	}
	if name == "" {
		name = stage
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.ContentDir, name)
}

// ExportsDir is where audit exports go by default.
func (c *Config) ExportsDir() string {
	return filepath.Join(c.BaseDir, "exports")
}

// DefaultBaseDir returns $BRIDGE_HOME, or ~/.bridge when unset.
func DefaultBaseDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("BRIDGE_HOME")); dir != "" {
		return filepath.Abs(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".bridge"), nil
}

// InboxDir is the drop folder the capture bot writes raw messages into.
func (c *Config) InboxDir() string {
	return filepath.Join(c.ContentDir, "inbox")
}

// MediaDir holds audio payloads owned by the pipeline.
func (c *Config) MediaDir() string {
	return filepath.Join(c.ContentDir, "media")
}

// CategoryFolder returns the vault folder configured for category, or ""
// when the category has no explicit route.
func (c *Config) CategoryFolder(category string) string {
	if f, ok := c.CategoryFolders[category]; ok {
		return f
	}
	return DefaultCategoryFolders[category]
}

// Location returns the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Timezone
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// ValidateOptions selects which external collaborators must be present.
type ValidateOptions struct {
	// Transcription requires the whisper binary, model and ffmpeg.
	Transcription bool

	// Vault requires VaultPath to be an existing directory.
	Vault bool
}

// Validate checks option values and that required paths exist. All problems
// are reported together.
func (c *Config) Validate(opts ValidateOptions) error {
	var errs []error

	if c.ContentDir == "" {
		errs = append(errs, errors.New("content_dir must not be empty"))
	} else if parent := filepath.Dir(c.ContentDir); !isDir(parent) {
		errs = append(errs, fmt.Errorf("content_dir parent %s does not exist", parent))
	}
	for stage := range c.StageDirs {
		if _, ok := DefaultStageDirs[stage]; !ok {
			errs = append(errs, fmt.Errorf("stage_dirs: unknown stage %q", stage))
		}
	}

	if c.Watcher.MaxAttempts < 1 {
		errs = append(errs, errors.New("watcher.max_attempts must be at least 1"))
	}
	if c.Watcher.PollInterval <= 0 {
		errs = append(errs, errors.New("watcher.poll_interval must be positive"))
	}
	if c.Watcher.RetryBackoff < 0 {
		errs = append(errs, errors.New("watcher.retry_backoff must not be negative"))
	}
	if c.Archiver.Interval <= 0 {
		errs = append(errs, errors.New("archiver.interval must be positive"))
	}
	if c.Archiver.Retention < 0 {
		errs = append(errs, errors.New("archiver.retention must not be negative"))
	}
	if c.Transcription.Timeout <= 0 {
		errs = append(errs, errors.New("transcription.timeout must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	if opts.Vault {
		switch {
		case c.VaultPath == "":
			errs = append(errs, errors.New("vault_path is required"))
		case !isDir(c.VaultPath):
			errs = append(errs, fmt.Errorf("vault_path %s does not exist or is not a directory", c.VaultPath))
		}
	}

	if opts.Transcription {
		t := c.Transcription
		switch {
		case t.WhisperPath == "":
			errs = append(errs, errors.New("transcription.whisper_path is required"))
		case !isFile(t.WhisperPath):
			errs = append(errs, fmt.Errorf("whisper binary not found: %s", t.WhisperPath))
		}
		switch {
		case t.ModelPath == "":
			errs = append(errs, errors.New("transcription.model_path is required"))
		case !isFile(t.ModelPath):
			errs = append(errs, fmt.Errorf("whisper model not found: %s", t.ModelPath))
		}
		if t.FFmpegPath != "" {
			if _, err := exec.LookPath(t.FFmpegPath); err != nil {
				errs = append(errs, fmt.Errorf("ffmpeg not found: %s", t.FFmpegPath))
			}
		}
	}

	return errors.Join(errs...)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
