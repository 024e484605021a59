package transfer

import (
	"fmt"
	"net/http"
	"os"

	"gopkg.in/yaml.v2"
)

// TargetConfig — описание target system в файле targets.yaml.
//
// Значения вида ${VAR} подставляются из окружения до разбора YAML,
// поэтому секреты (API-ключи) в файле не хранятся.
type TargetConfig struct {
	Name       string            `yaml:"name"`
	BaseURL    string            `yaml:"base_url"`
	Method     string            `yaml:"method"`
	Path       string            `yaml:"path"`
	Headers    map[string]string `yaml:"headers"`
	TimeoutSec float64           `yaml:"timeout_sec"`

	// RateLimit — запросов в секунду на процесс (0 — без ограничения).
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// TargetsFile — корневой элемент targets.yaml.
type TargetsFile struct {
	Targets []TargetConfig `yaml:"targets"`
}

// LoadTargets читает конфигурацию target systems из YAML-файла.
func LoadTargets(path string) ([]TargetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	return ParseTargets(data)
}

// ParseTargets разбирает YAML с подстановкой переменных окружения.
func ParseTargets(data []byte) ([]TargetConfig, error) {
	var file TargetsFile
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("parse targets file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Targets))
	for i, t := range file.Targets {
		if t.Name == "" {
			return nil, fmt.Errorf("target #%d: name is required", i)
		}
		if t.BaseURL == "" {
			return nil, fmt.Errorf("target %s: base_url is required", t.Name)
		}
		if _, ok := seen[t.Name]; ok {
			return nil, fmt.Errorf("target %s: duplicate name", t.Name)
		}
		seen[t.Name] = struct{}{}
	}

	return file.Targets, nil
}

// NewRegistryFromConfig создаёт реестр с HTTPTarget для каждой target system.
func NewRegistryFromConfig(targets []TargetConfig, client *http.Client) *Registry {
	r := NewRegistry()
	for _, cfg := range targets {
		r.Register(cfg.Name, NewHTTPTarget(cfg, client))
	}
	return r
}
