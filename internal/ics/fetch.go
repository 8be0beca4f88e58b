package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	appLog "doit/internal/log"
)

// Subscription is a calendar feed imported into one user's events.
type Subscription struct {
	ID     string
	URL    string
	UserID string
}

// Feed is the body of one subscription, fresh or from the disk cache.
type Feed struct {
	Subscription Subscription
	Body         []byte
	FromCache    bool
}

type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Fetcher downloads feeds with conditional requests and keeps the last
// good body per URL on disk. When the server fails, the cached body is
// served instead.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "doit-ics")
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}, cacheDir: cacheDir}
}

// Fetch returns the feed body of sub.
func (f *Fetcher) Fetch(ctx context.Context, sub Subscription) (Feed, error) {
	if sub.URL == "" {
		return Feed{}, fmt.Errorf("ics: subscription %s has no url", sub.ID)
	}
	dir := f.cacheDirFor(sub.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Feed{}, err
	}
	meta, _ := readMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	fallback := func(cause error) (Feed, error) {
		if len(cached) == 0 {
			return Feed{}, cause
		}
		appLog.Warn("ics fetch failed; serving cached body", "subscription", sub.ID, "url", redactURL(sub.URL), "err", cause)
		return Feed{Subscription: sub, Body: cached, FromCache: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sub.URL, nil)
	if err != nil {
		return Feed{}, err
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fallback(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fallback(err)
		}
		m := cacheMeta{
			URL:          sub.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			FetchedAt:    time.Now().UTC(),
		}
		if err := writeCache(dir, m, body); err != nil {
			appLog.Error("ics cache write failed", err, "subscription", sub.ID)
		}
		appLog.Info("ics fetched", "subscription", sub.ID, "url", redactURL(sub.URL), "bytes", len(body))
		return Feed{Subscription: sub, Body: body}, nil
	case http.StatusNotModified:
		if len(cached) == 0 {
			return Feed{}, errors.New("ics: 304 Not Modified without a cached body")
		}
		appLog.Debug("ics not modified", "subscription", sub.ID)
		return Feed{Subscription: sub, Body: cached, FromCache: true}, nil
	default:
		return fallback(fmt.Errorf("ics: unexpected status %s", resp.Status))
	}
}

func (f *Fetcher) cacheDirFor(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func readMeta(dir string) (cacheMeta, error) {
	var m cacheMeta
	b, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

// writeCache writes the body before the metadata, so metadata never
// describes a body that is not on disk.
func writeCache(dir string, m cacheMeta, body []byte) error {
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o600)
}

// redactURL keeps scheme and host only; feed URLs often embed tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
