package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/fixline/pkg/live"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = "127.0.0.1:8765"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultDialTimeout     = 15 * time.Second
	DefaultMaxDuration     = 15 * time.Minute
	DefaultWarningWindow   = 60 * time.Second
	DefaultTurnDebounce    = 300 * time.Millisecond
	DefaultFrameInterval   = 2 * time.Second
	DefaultFrameMaxWidth   = 640
	DefaultFrameQuality    = 70
	DefaultPhotoMaxWidth   = 1280
	DefaultReportTimeout   = 60 * time.Second
	DefaultCaseFile        = "data/cases.jsonl"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Live.DialTimeout == 0 {
		cfg.Live.DialTimeout = DefaultDialTimeout
	}

	ss := &cfg.Session
	if ss.Mode == "" {
		ss.Mode = live.ModeVoice
	}
	if ss.MaxDuration == 0 {
		ss.MaxDuration = DefaultMaxDuration
	}
	if ss.WarningWindow == 0 {
		ss.WarningWindow = DefaultWarningWindow
	}
	if ss.TurnDebounce == 0 {
		ss.TurnDebounce = DefaultTurnDebounce
	}
	if ss.FrameInterval == 0 {
		ss.FrameInterval = DefaultFrameInterval
	}
	if ss.FrameMaxWidth == 0 {
		ss.FrameMaxWidth = DefaultFrameMaxWidth
	}
	if ss.FrameQuality == 0 {
		ss.FrameQuality = DefaultFrameQuality
	}
	if ss.PhotoMaxWidth == 0 {
		ss.PhotoMaxWidth = DefaultPhotoMaxWidth
	}
	if ss.ReportTimeout == 0 {
		ss.ReportTimeout = DefaultReportTimeout
	}

	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = AudioMalgo
	}
	if cfg.Camera.Backend == "" {
		cfg.Camera.Backend = CameraNone
	}
	if cfg.Storage.PostgresDSN == "" && cfg.Storage.FilePath == "" {
		cfg.Storage.FilePath = DefaultCaseFile
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	// Live
	if cfg.Live.URL == "" {
		errs = append(errs, errors.New("live.url is required"))
	} else if u, err := url.Parse(cfg.Live.URL); err != nil {
		errs = append(errs, fmt.Errorf("live.url: %w", err))
	} else if !slices.Contains([]string{"ws", "wss", "http", "https"}, u.Scheme) {
		errs = append(errs, fmt.Errorf("live.url scheme %q is invalid; valid values: ws, wss, http, https", u.Scheme))
	}
	for name, d := range map[string]time.Duration{
		"live.dial_timeout":  cfg.Live.DialTimeout,
		"live.write_timeout": cfg.Live.WriteTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	// Session
	ss := cfg.Session
	if ss.Mode != "" && !ss.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("session.mode %q is invalid; valid values: voice, video", ss.Mode))
	}
	for name, d := range map[string]time.Duration{
		"session.max_duration":   ss.MaxDuration,
		"session.warning_window": ss.WarningWindow,
		"session.turn_debounce":  ss.TurnDebounce,
		"session.frame_interval": ss.FrameInterval,
		"session.report_timeout": ss.ReportTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if ss.MaxDuration > 0 && ss.MaxDuration < time.Second {
		errs = append(errs, fmt.Errorf("session.max_duration %s is shorter than one second", ss.MaxDuration))
	}
	if ss.MaxDuration > 0 && ss.WarningWindow >= ss.MaxDuration {
		errs = append(errs, fmt.Errorf("session.warning_window %s must be shorter than session.max_duration %s", ss.WarningWindow, ss.MaxDuration))
	}
	if ss.FrameQuality != 0 && (ss.FrameQuality < 1 || ss.FrameQuality > 100) {
		errs = append(errs, fmt.Errorf("session.frame_quality %d is out of range [1, 100]", ss.FrameQuality))
	}
	if ss.FrameMaxWidth < 0 || ss.PhotoMaxWidth < 0 {
		errs = append(errs, errors.New("session frame and photo widths must not be negative"))
	}
	if ss.MaxRecordingBytes < 0 {
		errs = append(errs, errors.New("session.max_recording_bytes must not be negative"))
	}
	if ss.MaxRecordingBytes > MaxRecordingLimit {
		errs = append(errs, fmt.Errorf("session.max_recording_bytes %d exceeds the limit of %d", ss.MaxRecordingBytes, MaxRecordingLimit))
	}

	// Devices
	if cfg.Audio.Backend != "" && !cfg.Audio.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: malgo", cfg.Audio.Backend))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, errors.New("audio.frame_size must not be negative"))
	}
	if cfg.Camera.Backend != "" && !cfg.Camera.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("camera.backend %q is invalid; valid values: none, dir", cfg.Camera.Backend))
	}
	if cfg.Camera.Backend == CameraDir && cfg.Camera.Dir == "" {
		errs = append(errs, errors.New("camera.dir is required when camera.backend is dir"))
	}
	if ss.Mode == live.ModeVideo && cfg.Camera.Backend == CameraNone {
		errs = append(errs, errors.New("session.mode video requires a camera backend"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if cfg.Providers.LLM.Name == "" && len(cfg.Providers.LLMFallbacks) > 0 {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; case reports will carry a fallback summary")
	}

	// Storage and events
	if cfg.Storage.PostgresDSN == "" && cfg.Storage.FilePath == "" {
		slog.Warn("no case storage configured; finished cases will not be persisted")
	}
	if cfg.Events.WriteTimeout < 0 {
		errs = append(errs, errors.New("events.write_timeout must not be negative"))
	}
	for i, b := range cfg.Events.Brokers {
		if b == "" {
			errs = append(errs, fmt.Errorf("events.brokers[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
