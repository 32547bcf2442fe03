package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxMemoryCache < 0 {
		return newFieldError("Global.MaxMemoryCacheSize", "不能为负数")
	}
	if g.MemoryCacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.MemoryCacheTTL", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.ChunkSize <= 0 {
		return newFieldError("Global.ChunkSize", "必须大于 0")
	}
	if g.FlushBytes <= 0 {
		return newFieldError("Global.FlushBytes", "必须大于 0")
	}
	if g.MaxWholeObjectSize <= 0 {
		return newFieldError("Global.MaxWholeObjectSize", "必须大于 0")
	}
	for _, name := range g.StripQueryParams {
		if strings.ContainsAny(name, "=&?# ") {
			return newFieldError("Global.StripQueryParams", fmt.Sprintf("非法参数名: %q", name))
		}
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateDomain(origin.Domain); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Domain"), err)
		}
		domain := strings.ToLower(origin.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(originField(origin.Name, "Domain"), "与其他源站重复")
		}
		seenDomains[domain] = struct{}{}

		if (origin.Username == "") != (origin.Password == "") {
			return newFieldError(originField(origin.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateUpstream(origin.Upstream); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Upstream"), err)
		}
		if origin.Proxy != "" {
			if err := validateUpstream(origin.Proxy); err != nil {
				return fmt.Errorf("%s: %w", originField(origin.Name, "Proxy"), err)
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
