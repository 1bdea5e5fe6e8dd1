package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tdm-core/logger"
	"tdm-core/runcontrol"
)

// Duration time.Duration, записываемая строкой вида "10ms" в JSON и YAML
type Duration time.Duration

// Std возвращает time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration format: %w", err)
	}
	*d = Duration(v)
	return nil
}

// Group группа детектора
type Group struct {
	ID           uint8 `json:"id" yaml:"id"`
	NumColBoards uint8 `json:"num_col_boards" yaml:"num_col_boards"`
	NumRows      uint8 `json:"num_rows" yaml:"num_rows"`
}

// Collector адрес сборщика, куда receiver пересылает фреймы
type Collector struct {
	Host       string   `json:"host" yaml:"host"`
	Port       int      `json:"port" yaml:"port"`
	QueueDepth int      `json:"queue_depth" yaml:"queue_depth"`
	Timeout    Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// Config конфигурация tdm-emulate
type Config struct {
	LogLevel string `json:"log_level" yaml:"log_level"`

	Groups        []Group  `json:"groups" yaml:"groups"`
	RetryInterval Duration `json:"retry_interval" yaml:"retry_interval"`

	Collector Collector `json:"collector" yaml:"collector"`

	// Частота запуска, Гц
	RunRate   int  `json:"run_rate" yaml:"run_rate"`
	Autostart bool `json:"autostart" yaml:"autostart"`

	ControlListen string `json:"control_listen" yaml:"control_listen"`
}

// Default возвращает конфигурацию по умолчанию: одна группа, одна плата, одна строка
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Groups: []Group{
			{ID: 0, NumColBoards: 1, NumRows: 1},
		},
		RetryInterval: Duration(10 * time.Millisecond),
		Collector: Collector{
			Host:       "127.0.0.1",
			Port:       7400,
			QueueDepth: 1024,
			Timeout:    Duration(5 * time.Second),
		},
		RunRate:       1,
		Autostart:     false,
		ControlListen: "127.0.0.1:8080",
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load загружает конфигурацию. Формат определяется по расширению.
// Отсутствующие поля берутся из Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	cfg.Groups = nil
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save сохраняет конфигурацию. Формат определяется по расширению.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if len(c.Groups) == 0 {
		return errors.New("at least one group is required")
	}
	seen := make(map[uint8]bool, len(c.Groups))
	for _, g := range c.Groups {
		if seen[g.ID] {
			return fmt.Errorf("duplicate group id %d", g.ID)
		}
		seen[g.ID] = true
		if g.NumColBoards == 0 {
			return fmt.Errorf("group %d: num_col_boards must be at least 1", g.ID)
		}
		if g.NumRows == 0 {
			return fmt.Errorf("group %d: num_rows must be at least 1", g.ID)
		}
	}

	if c.RetryInterval <= 0 {
		return errors.New("retry_interval must be positive")
	}
	if c.Collector.Host == "" {
		return errors.New("collector.host is required")
	}
	if c.Collector.Port <= 0 || c.Collector.Port > 65535 {
		return fmt.Errorf("collector.port %d out of range", c.Collector.Port)
	}
	if c.Collector.QueueDepth <= 0 {
		return errors.New("collector.queue_depth must be positive")
	}

	rateOK := false
	for _, r := range runcontrol.SupportedRates {
		if r == c.RunRate {
			rateOK = true
		}
	}
	if !rateOK {
		return fmt.Errorf("run_rate %d: %w", c.RunRate, runcontrol.ErrUnsupportedRate)
	}

	if c.ControlListen == "" {
		return errors.New("control_listen is required")
	}
	return nil
}
