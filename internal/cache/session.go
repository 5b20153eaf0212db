package cache

import "sync"

// Session 记录一次页面渲染过程中已经刷新（或刷新失败）的缓存文件，
// 避免同一页面引用多次的附件被重复回源。零值不可用，请使用 NewSession；
// nil Session 的所有查询都返回“未记录”。
type Session struct {
	mu     sync.Mutex
	fresh  map[string]struct{}
	failed map[string]error
}

// NewSession 创建请求级 Session。
func NewSession() *Session {
	return &Session{
		fresh:  make(map[string]struct{}),
		failed: make(map[string]error),
	}
}

// MarkFresh 记录 file 已在本次请求中写入。
func (s *Session) MarkFresh(file string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.fresh[file] = struct{}{}
	delete(s.failed, file)
	s.mu.Unlock()
}

// Fresh 表示 file 是否已在本次请求中刷新。
func (s *Session) Fresh(file string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fresh[file]
	return ok
}

// MarkFailed 记录 file 本次请求回源失败的原因。
func (s *Session) MarkFailed(file string, err error) {
	if s == nil || err == nil {
		return
	}
	s.mu.Lock()
	s.failed[file] = err
	s.mu.Unlock()
}

// Failure 返回本次请求中 file 的回源失败原因。
func (s *Session) Failure(file string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed[file]
}

// Refreshed 返回本次请求刷新过的文件数量。
func (s *Session) Refreshed() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fresh)
}
