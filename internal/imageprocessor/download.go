package imageprocessor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DownloadErrorKind classifies why a download failed.
type DownloadErrorKind string

const (
	DownloadRequest  DownloadErrorKind = "request"
	DownloadStatus   DownloadErrorKind = "status"
	DownloadTooLarge DownloadErrorKind = "too_large"
	DownloadDecode   DownloadErrorKind = "decode"
)

// DownloadError reports a failed fetch or decode of a remote image.
type DownloadError struct {
	URL        string
	Kind       DownloadErrorKind
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: %s (status %d): %v", e.URL, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("download %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Downloader fetches images over HTTP.
type Downloader struct {
	Client    *http.Client
	MaxBytes  int64
	MaxPixels int64
}

// NewDownloader builds a downloader whose requests never outlive timeout.
// maxBytes caps the encoded body and maxPixels the decoded raster.
func NewDownloader(timeout time.Duration, maxBytes, maxPixels int64) *Downloader {
	return &Downloader{
		Client:    &http.Client{Timeout: timeout},
		MaxBytes:  maxBytes,
		MaxPixels: maxPixels,
	}
}

// Download fetches rawURL and decodes the body. Every failure is a *DownloadError.
func (d *Downloader) Download(ctx context.Context, rawURL string) (*Image, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		if err == nil {
			err = errors.New("url must be absolute http(s)")
		}
		return nil, &DownloadError{URL: rawURL, Kind: DownloadRequest, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Kind: DownloadRequest, Err: err}
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Kind: DownloadRequest, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &DownloadError{URL: rawURL, Kind: DownloadStatus, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	limit := d.MaxBytes
	if limit <= 0 {
		limit = 20 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Kind: DownloadRequest, Err: err}
	}
	if int64(len(body)) > limit {
		return nil, &DownloadError{URL: rawURL, Kind: DownloadTooLarge, Err: fmt.Errorf("body exceeds %d bytes", limit)}
	}

	img, _, err := DecodeLimited(body, d.MaxPixels)
	if errors.Is(err, ErrImageTooLarge) {
		return nil, &DownloadError{URL: rawURL, Kind: DownloadTooLarge, Err: err}
	}
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Kind: DownloadDecode, Err: err}
	}
	return img, nil
}
