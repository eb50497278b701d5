// Package coverage uploads coverage reports to an aggregation service.
package coverage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	errUtils "matrixci/internal/errors"
	"matrixci/internal/logger"
)

// Client is the part of *http.Client the uploader needs.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(u *Uploader) {
		if c, ok := u.client.(*http.Client); ok && timeout > 0 {
			c.Timeout = timeout
		}
	}
}

// WithClient replaces the HTTP client.
func WithClient(c Client) Option {
	return func(u *Uploader) {
		if c != nil {
			u.client = c
		}
	}
}

// Uploader posts reports to <Endpoint>/upload.
type Uploader struct {
	Endpoint string
	client   Client
}

func NewUploader(endpoint string, opts ...Option) *Uploader {
	u := &Uploader{
		Endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Report is one upload: a set of report files with the metadata the service
// uses to attribute them.
type Report struct {
	Files  []string
	Flags  []string
	Name   string
	Commit string
	Branch string
	Token  string
}

// Upload sends every file of r, one request per file, and stops at the first
// rejection.
func (u *Uploader) Upload(ctx context.Context, r Report) error {
	if u.Endpoint == "" {
		return errUtils.ErrNoEndpoint
	}
	if strings.TrimSpace(r.Token) == "" {
		return errUtils.ErrMissingToken
	}
	if len(r.Files) == 0 {
		return fmt.Errorf("%w: no coverage reports", errUtils.ErrNoFilesFound)
	}

	for _, path := range r.Files {
		if err := u.uploadFile(ctx, r, path); err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) uploadFile(ctx context.Context, r Report, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading coverage report: %w", err)
	}

	q := url.Values{}
	q.Set("file", filepath.Base(path))
	if r.Name != "" {
		q.Set("name", r.Name)
	}
	if r.Commit != "" {
		q.Set("commit", r.Commit)
	}
	if r.Branch != "" {
		q.Set("branch", r.Branch)
	}
	if len(r.Flags) > 0 {
		q.Set("flags", strings.Join(r.Flags, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Endpoint+"/upload?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "token "+r.Token)
	req.Header.Set("Content-Type", contentType(path))
	req.Header.Set("User-Agent", "matrixci")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errUtils.ErrUploadRejected, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: status %d: %s", errUtils.ErrUploadRejected, filepath.Base(path), resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	logger.Debug("coverage report uploaded", "file", filepath.Base(path), "bytes", len(body), "name", r.Name)
	return nil
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml":
		return "application/xml"
	case ".json":
		return "application/json"
	default:
		return "text/plain"
	}
}
