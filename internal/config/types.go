package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有源站共享同一份参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	IndexPath          string   `mapstructure:"IndexPath"`
	MaxMemoryCache     int64    `mapstructure:"MaxMemoryCacheSize"`
	MemoryCacheTTL     Duration `mapstructure:"MemoryCacheTTL"`
	MaxRetries         int      `mapstructure:"MaxRetries"`
	InitialBackoff     Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	ChunkSize          int      `mapstructure:"ChunkSize"`
	FlushBytes         int64    `mapstructure:"FlushBytes"`
	MaxWholeObjectSize int64    `mapstructure:"MaxWholeObjectSize"`
	StripQueryParams   []string `mapstructure:"StripQueryParams"`
}

// OriginConfig 描述一个按 Host 路由的源站。
type OriginConfig struct {
	Name      string `mapstructure:"Name"`
	Domain    string `mapstructure:"Domain"`
	Upstream  string `mapstructure:"Upstream"`
	Proxy     string `mapstructure:"Proxy"`
	Username  string `mapstructure:"Username"`
	Password  string `mapstructure:"Password"`
	UserAgent string `mapstructure:"UserAgent"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Origins []OriginConfig `mapstructure:"Origin"`
}

// HasCredentials 表示当前源站是否配置了完整的凭证。
func (o OriginConfig) HasCredentials() bool {
	return o.Username != "" && o.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (o OriginConfig) AuthMode() string {
	if o.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有源站的鉴权模式摘要，例如 cdn:credentialed。
func CredentialModes(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = fmt.Sprintf("%s:%s", origin.Name, origin.AuthMode())
	}
	return result
}

// MemoryTierEnabled 表示是否启用播放列表/key 的内存层。
func (g GlobalConfig) MemoryTierEnabled() bool {
	return g.MaxMemoryCache > 0
}
