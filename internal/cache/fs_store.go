package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/any-hub/wikicache/internal/keymap"
)

const tempPattern = ".tmp-*"

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一进程内对同一文件的并发写入；
// 跨进程只依赖 rename 的原子性，最后写入者生效。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) TempDir() string {
	return s.basePath
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	entry, err := s.Stat(ctx, locator)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(entry.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry:  *entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Stat(ctx context.Context, locator Locator) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	return &Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	if _, err := s.entryPath(locator); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(s.basePath, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	return s.Promote(ctx, locator, tempName, opts)
}

func (s *fileStore) Promote(ctx context.Context, locator Locator, tempPath string, opts PutOptions) (*Entry, error) {
	filePath, err := s.entryPath(locator)
	if err != nil {
		os.Remove(tempPath)
		return nil, err
	}
	if filepath.Dir(tempPath) != s.basePath {
		os.Remove(tempPath)
		return nil, fmt.Errorf("%w: temp file %s outside %s", ErrWriteFailed, tempPath, s.basePath)
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	if err := ctx.Err(); err != nil {
		os.Remove(tempPath)
		return nil, err
	}

	if err := os.Chmod(tempPath, FileMode); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(tempPath, modTime, modTime); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	info, err := os.Stat(tempPath)
	if err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	return &Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Clear(ctx context.Context, prefix string) (ClearResult, error) {
	var result ClearResult

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return result, err
	}

	for _, item := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if item.IsDir() || !strings.HasPrefix(item.Name(), prefix) {
			continue
		}
		result.Attempted++
		if err := os.Remove(filepath.Join(s.basePath, item.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result.Failed++
			continue
		}
		result.Deleted++
	}
	return result, nil
}

func (s *fileStore) List(ctx context.Context) ([]Entry, error) {
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !keymap.IsCacheFileName(item.Name()) {
			continue
		}
		info, err := item.Info()
		if err != nil {
			// 文件在遍历期间被替换或删除。
			continue
		}
		entries = append(entries, Entry{
			Locator:   Locator{File: item.Name()},
			FilePath:  filepath.Join(s.basePath, item.Name()),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Locator.File < entries[j].Locator.File
	})
	return entries, nil
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locator.File
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	if !keymap.IsCacheFileName(locator.File) {
		return "", fmt.Errorf("%w: cache file %q", keymap.ErrInvalidIdentity, locator.File)
	}
	return filepath.Join(s.basePath, locator.File), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
