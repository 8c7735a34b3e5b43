// Package config loads the relay configuration from YAML.
//
// Purpose: merge one file or a directory of YAML files over built-in defaults.
// Key aspects: keys absent from every file keep their default, so an explicit
// zero (for example dedup.window_seconds: 0) is honored.
// Upstream: main startup.
// Downstream: gopkg.in/yaml.v3.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"xaprsd/aprs"
)

// Config represents the complete relay configuration
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Listen   ListenConfig   `yaml:"listen"`
	Parser   ParserConfig   `yaml:"parser"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Recorder RecorderConfig `yaml:"recorder"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Diag     DiagConfig     `yaml:"diag"`
	Stats    StatsConfig    `yaml:"stats"`
	Logging  LoggingConfig  `yaml:"logging"`
	UI       UIConfig       `yaml:"ui"`

	// LoadedFrom is the file or directory the configuration came from; empty
	// when only defaults apply.
	LoadedFrom string `yaml:"-"`
}

// UpstreamConfig describes the APRS-IS server and login.
type UpstreamConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	Callsign              string `yaml:"callsign"`
	Product               string `yaml:"product"`
	Version               string `yaml:"version"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
	RetryDelayMS          int    `yaml:"retry_delay_ms"`
	ReconnectDelayMS      int    `yaml:"reconnect_delay_ms"`
	ReadTimeoutSeconds    int    `yaml:"read_timeout_seconds"`
	MaxLineBytes          int    `yaml:"max_line_bytes"`
}

// ListenConfig describes the downstream stream ports.
type ListenConfig struct {
	Address             string `yaml:"address"`
	Port                int    `yaml:"port"`
	PrettyPort          int    `yaml:"pretty_port"`
	Admin               string `yaml:"admin"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	// QueueCapacity is the per-subscriber queue length. The default of 3 is
	// the drop threshold subscribers are documented to get.
	QueueCapacity int `yaml:"queue_capacity"`
}

type ParserConfig struct {
	PositionMode string `yaml:"position_mode"`
}

type ReaperConfig struct {
	IntervalMS int `yaml:"interval_ms"`
}

// DedupConfig enables duplicate-line suppression when WindowSeconds > 0.
type DedupConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
}

// RecorderConfig controls the SQLite parse-failure sampler.
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Limit   int    `yaml:"limit"`
	Buffer  int    `yaml:"buffer"`
}

// MQTTConfig controls the optional broker mirror.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// DiagConfig enables the metrics/pprof server when Listen is set.
type DiagConfig struct {
	Listen  string `yaml:"listen"`
	HeapDir string `yaml:"heap_dir"`
}

type StatsConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	Dir                     string `yaml:"dir"`
	RetentionDays           int    `yaml:"retention_days"`
	DropDedupeWindowSeconds int    `yaml:"drop_dedupe_window_seconds"`
}

// UIConfig selects the console front end. Mode "tview" shows the stats block,
// link health and the system log as a dashboard when stdout is a terminal;
// "headless" (the default) logs everything as plain lines.
type UIConfig struct {
	Mode     string `yaml:"mode"`
	LogLines int    `yaml:"log_lines"`
}

// Default returns the configuration used for keys no file sets.
func Default() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			Port:                  10152,
			Product:               "XAPRSProxy",
			Version:               "04.01",
			ConnectTimeoutSeconds: 30,
			RetryDelayMS:          1000,
			ReconnectDelayMS:      5000,
			MaxLineBytes:          4096,
		},
		Listen: ListenConfig{
			Port:                20481,
			WriteTimeoutSeconds: 60,
			QueueCapacity:       3,
		},
		Parser:   ParserConfig{PositionMode: "legacy"},
		Reaper:   ReaperConfig{IntervalMS: 1000},
		Recorder: RecorderConfig{Path: "data/parse_failures.db", Limit: 10000, Buffer: 256},
		MQTT:     MQTTConfig{Port: 1883, Topic: "xaprs/messages"},
		Diag:     DiagConfig{HeapDir: "data/diagnostics"},
		Stats:    StatsConfig{IntervalSeconds: 60},
		Logging: LoggingConfig{
			Dir:                     "data/logs",
			RetentionDays:           7,
			DropDedupeWindowSeconds: 120,
		},
		UI: UIConfig{Mode: "headless", LogLines: 200},
	}
}

// Load reads path, which may be a single YAML file or a directory whose
// *.yaml and *.yml files are merged in lexical order (later files win per
// key). Out-of-range values are rejected here; required fields are left to
// Validate so command-line flags can still supply them.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config path: %w", err)
	}
	var files []string
	if info.IsDir() {
		files, err = yamlFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no YAML files found in %s", path)
		}
	} else {
		files = []string{path}
	}

	merged := map[string]any{}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(file), err)
		}
		mergeMaps(merged, doc)
	}

	// Round-trip the merged tree so absent keys keep their defaults.
	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.LoadedFrom = path
	cfg.Normalize()
	if err := errors.Join(cfg.rangeErrors()...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// mergeMaps merges src into dst. Nested maps merge key by key; any other
// value replaces the destination.
func mergeMaps(dst, src map[string]any) {
	for key, value := range src {
		srcMap, ok := value.(map[string]any)
		if !ok {
			dst[key] = value
			continue
		}
		dstMap, ok := dst[key].(map[string]any)
		if !ok {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		mergeMaps(dstMap, srcMap)
	}
}

// Normalize trims free-form fields and lower-cases the position mode. Load
// calls it; main calls it again after applying flag overrides.
func (c *Config) Normalize() {
	c.Upstream.Host = strings.TrimSpace(c.Upstream.Host)
	c.Upstream.Callsign = strings.TrimSpace(c.Upstream.Callsign)
	c.Listen.Admin = strings.TrimSpace(c.Listen.Admin)
	c.Parser.PositionMode = strings.ToLower(strings.TrimSpace(c.Parser.PositionMode))
	c.UI.Mode = strings.ToLower(strings.TrimSpace(c.UI.Mode))
}

// Validate reports every missing or out-of-range field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Upstream.Host == "" {
		errs = append(errs, errors.New("upstream.host is required"))
	}
	if c.Upstream.Callsign == "" {
		errs = append(errs, errors.New("upstream.callsign is required"))
	} else if strings.ContainsAny(c.Upstream.Callsign, " \t\r\n") {
		errs = append(errs, fmt.Errorf("upstream.callsign must be a single token, got %q", c.Upstream.Callsign))
	}
	if c.Recorder.Enabled && strings.TrimSpace(c.Recorder.Path) == "" {
		errs = append(errs, errors.New("recorder.path is required when the recorder is enabled"))
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		errs = append(errs, errors.New("mqtt.broker is required when the mirror is enabled"))
	}
	if c.Logging.Enabled && strings.TrimSpace(c.Logging.Dir) == "" {
		errs = append(errs, errors.New("logging.dir is required when file logging is enabled"))
	}
	errs = append(errs, c.rangeErrors()...)
	return errors.Join(errs...)
}

func (c *Config) rangeErrors() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	checkPort := func(name string, port int, allowZero bool) {
		if port < 0 || port > 65535 || (port == 0 && !allowZero) {
			add("%s must be between 1 and 65535, got %d", name, port)
		}
	}
	checkPort("upstream.port", c.Upstream.Port, false)
	checkPort("listen.port", c.Listen.Port, true)
	checkPort("listen.pretty_port", c.Listen.PrettyPort, true)
	if c.Listen.PrettyPort != 0 && c.Listen.PrettyPort == c.Listen.Port {
		add("listen.pretty_port must differ from listen.port")
	}
	if c.Listen.QueueCapacity < 1 {
		add("listen.queue_capacity must be >= 1, got %d", c.Listen.QueueCapacity)
	}
	nonNegative := map[string]int{
		"upstream.connect_timeout_seconds":   c.Upstream.ConnectTimeoutSeconds,
		"upstream.retry_delay_ms":            c.Upstream.RetryDelayMS,
		"upstream.reconnect_delay_ms":        c.Upstream.ReconnectDelayMS,
		"upstream.read_timeout_seconds":      c.Upstream.ReadTimeoutSeconds,
		"upstream.max_line_bytes":            c.Upstream.MaxLineBytes,
		"listen.write_timeout_seconds":       c.Listen.WriteTimeoutSeconds,
		"reaper.interval_ms":                 c.Reaper.IntervalMS,
		"dedup.window_seconds":               c.Dedup.WindowSeconds,
		"stats.interval_seconds":             c.Stats.IntervalSeconds,
		"logging.retention_days":             c.Logging.RetentionDays,
		"logging.drop_dedupe_window_seconds": c.Logging.DropDedupeWindowSeconds,
		"ui.log_lines":                       c.UI.LogLines,
	}
	names := make([]string, 0, len(nonNegative))
	for name := range nonNegative {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if nonNegative[name] < 0 {
			add("%s must be >= 0, got %d", name, nonNegative[name])
		}
	}
	if _, err := aprs.ParsePositionMode(c.Parser.PositionMode); err != nil {
		add("parser.position_mode: %v", err)
	}
	switch c.UI.Mode {
	case "", "headless", "tview":
	default:
		add("ui.mode must be headless or tview, got %q", c.UI.Mode)
	}
	if c.Recorder.Enabled && c.Recorder.Limit <= 0 {
		add("recorder.limit must be > 0, got %d", c.Recorder.Limit)
	}
	if c.MQTT.Enabled {
		checkPort("mqtt.port", c.MQTT.Port, false)
	}
	return errs
}

// PositionMode returns the parsed parser.position_mode; Validate has already
// rejected unknown values.
func (c *Config) PositionMode() aprs.PositionMode {
	mode, _ := aprs.ParsePositionMode(c.Parser.PositionMode)
	return mode
}

func seconds(n int) time.Duration      { return time.Duration(n) * time.Second }
func milliseconds(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c UpstreamConfig) ConnectTimeout() time.Duration { return seconds(c.ConnectTimeoutSeconds) }
func (c UpstreamConfig) RetryDelay() time.Duration     { return milliseconds(c.RetryDelayMS) }
func (c UpstreamConfig) ReconnectDelay() time.Duration { return milliseconds(c.ReconnectDelayMS) }
func (c UpstreamConfig) ReadTimeout() time.Duration    { return seconds(c.ReadTimeoutSeconds) }
func (c ListenConfig) WriteTimeout() time.Duration     { return seconds(c.WriteTimeoutSeconds) }
func (c ReaperConfig) Interval() time.Duration         { return milliseconds(c.IntervalMS) }
func (c DedupConfig) Window() time.Duration            { return seconds(c.WindowSeconds) }
func (c StatsConfig) Interval() time.Duration          { return seconds(c.IntervalSeconds) }

// Print displays the configuration
func (c *Config) Print() {
	if c.LoadedFrom != "" {
		fmt.Printf("Config: %s\n", c.LoadedFrom)
	} else {
		fmt.Println("Config: built-in defaults")
	}
	fmt.Printf("Upstream: %s:%d as %s (%s %s)\n", c.Upstream.Host, c.Upstream.Port, c.Upstream.Callsign, c.Upstream.Product, c.Upstream.Version)
	listen := c.Listen.Address
	if listen == "" {
		listen = "*"
	}
	fmt.Printf("Stream: %s:%d (queue=%d, write timeout=%ds)\n", listen, c.Listen.Port, c.Listen.QueueCapacity, c.Listen.WriteTimeoutSeconds)
	if c.Listen.PrettyPort > 0 {
		fmt.Printf("Pretty stream: %s:%d\n", listen, c.Listen.PrettyPort)
	}
	if c.Listen.Admin != "" {
		fmt.Printf("Admin: %s\n", c.Listen.Admin)
	}
	fmt.Printf("Position mode: %s\n", c.PositionMode())
	if c.Dedup.WindowSeconds > 0 {
		fmt.Printf("Dedup: window=%ds\n", c.Dedup.WindowSeconds)
	}
	if c.Recorder.Enabled {
		fmt.Printf("Recorder: %s (limit %d per reason)\n", c.Recorder.Path, c.Recorder.Limit)
	}
	if c.MQTT.Enabled {
		fmt.Printf("MQTT mirror: %s:%d (topic: %s)\n", c.MQTT.Broker, c.MQTT.Port, c.MQTT.Topic)
	}
	if c.Diag.Listen != "" {
		fmt.Printf("Diagnostics: %s\n", c.Diag.Listen)
	}
	if c.Logging.Enabled {
		fmt.Printf("Logging: %s (retention %d days)\n", c.Logging.Dir, c.Logging.RetentionDays)
	}
	if c.UI.Mode == "tview" {
		fmt.Println("UI: tview dashboard")
	}
}
