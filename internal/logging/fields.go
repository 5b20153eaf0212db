package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点/页面/命中状态字段，供页面请求日志复用。
func RequestFields(site, page, variant string, cacheHit, stale bool) logrus.Fields {
	fields := logrus.Fields{
		"site":      site,
		"page":      page,
		"cache_hit": cacheHit,
		"stale":     stale,
	}
	if variant != "" {
		fields["variant"] = variant
	}
	return fields
}

// CacheFields 描述单个缓存条目，供 store/loader 日志复用。
func CacheFields(action, identity, file string) logrus.Fields {
	return logrus.Fields{
		"action":   action,
		"identity": identity,
		"file":     file,
	}
}
