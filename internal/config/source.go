package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// source 按优先级读取配置：环境变量优先，其次是 BRIDGE_CONFIG 指向的 YAML 文件。
type source struct {
	file map[string]string
}

func newSource() (*source, error) {
	s := &source{file: map[string]string{}}

	path := strings.TrimSpace(os.Getenv("BRIDGE_CONFIG"))
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read BRIDGE_CONFIG %s: %w", path, err)
	}
	if err := s.mergeYAML(data); err != nil {
		return nil, fmt.Errorf("parse BRIDGE_CONFIG %s: %w", path, err)
	}
	return s, nil
}

// mergeYAML 接受扁平的键值映射，键名与环境变量相同，例如 TURN_MAX_SILENCE: 6s。
func (s *source) mergeYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			s.file[key] = strings.Join(parts, ",")
		default:
			s.file[key] = fmt.Sprint(v)
		}
	}
	return nil
}

func (s *source) lookup(key string) (string, bool) {
	if raw, ok := os.LookupEnv(key); ok {
		return raw, true
	}
	raw, ok := s.file[key]
	return raw, ok
}

func (s *source) get(key string) string {
	raw, _ := s.lookup(key)
	return strings.TrimSpace(raw)
}

func (s *source) getOrDefault(key, defaultValue string) string {
	if value := s.get(key); value != "" {
		return value
	}
	return defaultValue
}

func (s *source) parseBool(key string, defaultValue bool) (bool, error) {
	raw := s.get(key)
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func (s *source) parseOptionalFloat(key string) (*float64, error) {
	value := s.get(key)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func (s *source) parseFloat(key string, defaultValue float64) (float64, error) {
	val, err := s.parseOptionalFloat(key)
	if err != nil || val == nil {
		return defaultValue, err
	}
	return *val, nil
}

func (s *source) parseFloat32(key string, defaultValue float32) (float32, error) {
	value := s.get(key)
	if value == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return float32(val), nil
}

func (s *source) parseOptionalInt(key string) (*int, error) {
	value := s.get(key)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func (s *source) parseInt(key string, defaultValue int) (int, error) {
	val, err := s.parseOptionalInt(key)
	if err != nil || val == nil {
		return defaultValue, err
	}
	return *val, nil
}

// parseDuration 接受 Go 时长格式（"800ms"、"6s"），纯数字按毫秒处理。
func (s *source) parseDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := s.get(key)
	if value == "" {
		return defaultValue, nil
	}

	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}

	val, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: negative duration", key, value)
	}
	return val, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
