package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectOriginLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Origins {
		applyOriginDefaults(&cfg.Origins[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if cfg.Global.IndexPath == "" {
		cfg.Global.IndexPath = filepath.Join(absStorage, ".index")
	}
	absIndex, err := filepath.Abs(cfg.Global.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("无法解析索引目录: %w", err)
	}
	cfg.Global.IndexPath = absIndex

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("IndexPath", "")
	v.SetDefault("MaxMemoryCacheSize", 64*1024*1024)
	v.SetDefault("MemoryCacheTTL", "10m")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("ChunkSize", 64*1024)
	v.SetDefault("FlushBytes", 4*1024*1024)
	v.SetDefault("MaxWholeObjectSize", 8*1024*1024)
	v.SetDefault("StripQueryParams", []string{})
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.MemoryCacheTTL.DurationValue() == 0 {
		g.MemoryCacheTTL = Duration(10 * time.Minute)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.ChunkSize == 0 {
		g.ChunkSize = 64 * 1024
	}
	if g.FlushBytes == 0 {
		g.FlushBytes = 4 * 1024 * 1024
	}
	if g.MaxWholeObjectSize == 0 {
		g.MaxWholeObjectSize = 8 * 1024 * 1024
	}
	g.StripQueryParams = lo.Uniq(lo.Compact(lo.Map(g.StripQueryParams, func(name string, _ int) string {
		return strings.TrimSpace(name)
	})))
}

func applyOriginDefaults(o *OriginConfig) {
	o.Name = strings.TrimSpace(o.Name)
	o.Domain = strings.TrimSpace(o.Domain)
	o.Upstream = strings.TrimRight(strings.TrimSpace(o.Upstream), "/")
	o.UserAgent = strings.TrimSpace(o.UserAgent)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func rejectOriginLevelPorts(v *viper.Viper) error {
	raw := v.Get("Origin")
	origins, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range origins {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := m["Port"]; exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := m["Name"].(string); ok && rawName != "" {
				name = rawName
			}
			return newFieldError(originField(name, "Port"), "不支持源站级端口，请使用全局 ListenPort")
		}
	}

	return nil
}
