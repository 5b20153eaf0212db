package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrFetchFailed 覆盖网络错误、超时与非 200 响应。
	ErrFetchFailed = errors.New("fetch failed")
	// ErrUpstreamNotFound 表示 wiki 返回 404，总是同时满足 errors.Is(err, ErrFetchFailed)。
	ErrUpstreamNotFound = errors.New("upstream not found")
)

// StatusError 记录上游返回的非 200 状态码。
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned %d", e.URL, e.Status)
}

// Is 让 StatusError 同时匹配 ErrFetchFailed，以及 404 时的 ErrUpstreamNotFound。
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrFetchFailed:
		return true
	case ErrUpstreamNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// Result 描述一次成功的下载。TempPath 归调用方所有，需由调用方提升或删除。
type Result struct {
	TempPath string
	Bytes    int64
	Elapsed  time.Duration
	Status   int
}

// Fetcher 执行 HTTP GET 并把响应体写入临时文件，绝不直接覆盖正式缓存文件。
type Fetcher struct {
	client    *http.Client
	logger    *logrus.Logger
	userAgent string
}

// NewFetcher 使用共享 http.Client；超时由 client.Timeout 决定，失败不重试。
func NewFetcher(client *http.Client, logger *logrus.Logger, userAgent string) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetcher{client: client, logger: logger, userAgent: userAgent}
}

// Fetch 下载 rawURL 到 tempDir 下的临时文件。任何失败都会删除临时文件。
func (f *Fetcher) Fetch(ctx context.Context, rawURL, tempDir string) (*Result, error) {
	started := time.Now()
	result, err := f.fetch(ctx, rawURL, tempDir)
	elapsed := time.Since(started)

	fields := logrus.Fields{
		"action":     "fetch",
		"url":        rawURL,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if result != nil {
		result.Elapsed = elapsed
		fields["bytes"] = result.Bytes
		fields["status"] = result.Status
	}
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			fields["status"] = statusErr.Status
		}
		f.logger.WithFields(fields).WithError(err).Warn("fetch_failed")
		return nil, err
	}
	f.logger.WithFields(fields).Info("fetch_complete")
	return result, nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL, tempDir string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil, &StatusError{URL: rawURL, Status: resp.StatusCode}
	}

	temp, err := os.CreateTemp(tempDir, ".fetch-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	tempName := temp.Name()

	written, err := io.Copy(temp, resp.Body)
	closeErr := temp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	return &Result{
		TempPath: tempName,
		Bytes:    written,
		Status:   resp.StatusCode,
	}, nil
}
