package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// FileMode 是所有缓存文件在提升为正式文件前统一设置的权限。
const FileMode os.FileMode = 0o644

// Store 负责管理磁盘缓存的读写。磁盘布局是单层目录：
//
//	<StoragePath>/<alias><page>.html         # 页面正文
//	<StoragePath>/<alias><page>__<asset>     # 页面附件
//	<StoragePath>/.tmp-*                     # 写入中的临时文件
//
// 每个条目仅由正文文件组成，文件的 ModTime/Size 由文件系统提供。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Stat 只返回条目元数据，不打开文件。
	Stat(ctx context.Context, locator Locator) (*Entry, error)

	// Put 将 body 写入临时文件后 rename 覆盖正式文件，失败时清理临时文件。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Promote 将 TempDir 中已完整写入的临时文件原子替换为正式文件。
	Promote(ctx context.Context, locator Locator, tempPath string, opts PutOptions) (*Entry, error)

	// Remove 删除正文文件，文件不存在时不报错。
	Remove(ctx context.Context, locator Locator) error

	// Clear 删除文件名以 prefix 开头的所有非目录条目，prefix 为空时删除全部。
	Clear(ctx context.Context, prefix string) (ClearResult, error)

	// List 返回当前所有缓存条目（不含临时文件与目录）。
	List(ctx context.Context) ([]Entry, error)

	// TempDir 返回临时文件应当创建的目录，保证与正式文件位于同一文件系统。
	TempDir() string
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Locator 唯一定位一个缓存条目。File 是经过 keymap 编码的扁平文件名，
// Identity/Scope 保留逻辑名称，供新鲜度规则查询与日志使用。
type Locator struct {
	// Identity 是页面名，或附件的 "页面/附件名"。
	Identity string
	// Scope 是附件所属页面，页面条目为空。
	Scope string
	File  string
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Locator   Locator `json:"locator"`
	FilePath  string  `json:"file_path"`
	SizeBytes int64   `json:"size_bytes"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与正文 Reader，便于 HTTP 层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ClearResult 汇总一次批量清理的结果。
type ClearResult struct {
	Attempted int `json:"attempted"`
	Deleted   int `json:"deleted"`
	Failed    int `json:"failed"`
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrWriteFailed 表示写入或 rename 失败，正式文件保持原状。
var ErrWriteFailed = errors.New("cache write failed")
