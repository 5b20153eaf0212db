package cache

import "time"

// Wildcard 是匹配所有页面的默认规则键。
const Wildcard = "*"

// Policy 根据页面级 max-age 表判断缓存条目是否过期。
// 规则查找顺序：条目自身 Identity → 所属页面 Scope → Wildcard。
// 找不到规则或 max-age 为负时，条目只会因强制刷新而失效。
type Policy struct {
	maxAges map[string]time.Duration
}

// NewPolicy 复制传入的规则表，调用方之后的修改不会影响 Policy。
func NewPolicy(maxAges map[string]time.Duration) Policy {
	copied := make(map[string]time.Duration, len(maxAges))
	for key, age := range maxAges {
		copied[key] = age
	}
	return Policy{maxAges: copied}
}

// MaxAge 返回对 locator 生效的 max-age；ok=false 表示没有任何规则适用。
func (p Policy) MaxAge(locator Locator) (time.Duration, bool) {
	for _, key := range []string{locator.Identity, locator.Scope, Wildcard} {
		if key == "" {
			continue
		}
		if age, ok := p.maxAges[key]; ok {
			return age, true
		}
	}
	return 0, false
}

// IsStale 判断 entry 是否需要重新获取。entry 为 nil 表示文件不存在，
// 此时无论 max-age 如何都视为过期。同一 Session 内已经刷新过的条目不会再次过期。
func (p Policy) IsStale(locator Locator, entry *Entry, now time.Time, force bool, session *Session) bool {
	if entry == nil {
		return true
	}
	if session.Fresh(locator.File) {
		return false
	}
	if force {
		return true
	}
	maxAge, ok := p.MaxAge(locator)
	if !ok || maxAge < 0 {
		return false
	}
	return now.Sub(entry.ModTime) >= maxAge
}

// Rules 返回规则表副本，供诊断接口输出。
func (p Policy) Rules() map[string]time.Duration {
	out := make(map[string]time.Duration, len(p.maxAges))
	for key, age := range p.maxAges {
		out[key] = age
	}
	return out
}
