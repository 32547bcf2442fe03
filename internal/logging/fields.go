package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供源站/Host/数据类型/命中状态字段，供代理请求日志复用。
func RequestFields(origin, host, dataType, authMode string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"origin":    origin,
		"host":      host,
		"data_type": dataType,
		"auth_mode": authMode,
		"cache_hit": cacheHit,
	}
}

// EntryFields 标识一个缓存条目及本次涉及的字节区间。
func EntryFields(key, dataType, byteRange string) logrus.Fields {
	fields := logrus.Fields{
		"key":       key,
		"data_type": dataType,
	}
	if byteRange != "" {
		fields["range"] = byteRange
	}
	return fields
}
