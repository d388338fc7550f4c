// Package releases はデスクトップアプリのappcast（Sparkle RSS）を取得し、
// 変更履歴とダウンロード先を提供する。
package releases

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/flowsapp/flowsweb/internal/metrics"
)

// ErrNotConfigured はappcastのURLが未設定の場合に返される。
var ErrNotConfigured = errors.New("appcast url is not configured")

// Release は1つのリリース。
type Release struct {
	Version       string
	ShortVersion  string
	Title         string
	PublishedAt   time.Time
	NotesHTML     string // サニタイズ済み
	Summary       string
	DownloadURL   string
	DownloadSize  int64
	MinimumSystem string
}

// DisplayVersion は表示用のバージョン文字列を返す。
func (r Release) DisplayVersion() string {
	if r.ShortVersion != "" {
		return r.ShortVersion
	}
	if r.Version != "" {
		return r.Version
	}
	return r.Title
}

// HTTPDoer はappcastの取得に使うHTTPクライアント。
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sanitizer はリリースノートHTMLのサニタイザ。
type Sanitizer interface {
	Sanitize(rawHTML string) string
}

// Config はappcast取得の設定。
type Config struct {
	URL         string
	Interval    time.Duration
	MaxBodySize int64
}

// Service はappcastの取得結果をメモリにキャッシュする。
type Service struct {
	client    HTTPDoer
	sanitizer Sanitizer
	metrics   metrics.MetricsCollector
	config    Config
	logger    *slog.Logger

	mu        sync.RWMutex
	releases  []Release
	fetchedAt time.Time
}

// NewService はServiceを生成する。
// clientにはSSRF対策済みのクライアント（security.NewSSRFGuard().NewSafeClient）を渡す。
func NewService(client HTTPDoer, sanitizer Sanitizer, collector metrics.MetricsCollector, config Config, logger *slog.Logger) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 2 << 20
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Minute
	}
	return &Service{
		client:    client,
		sanitizer: sanitizer,
		metrics:   collector,
		config:    config,
		logger:    logger,
	}
}

// Enabled はappcastのURLが設定されているかを返す。
func (s *Service) Enabled() bool {
	return s.config.URL != ""
}

// Releases は新しい順のリリース一覧を返す。
func (s *Service) Releases() []Release {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Release, len(s.releases))
	copy(out, s.releases)
	return out
}

// Latest はダウンロード可能な最新リリースを返す。
func (s *Service) Latest() (Release, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.releases {
		if r.DownloadURL != "" {
			return r, true
		}
	}
	return Release{}, false
}

// FetchedAt は最後に取得に成功した時刻を返す。
func (s *Service) FetchedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetchedAt
}

// Run は起動直後に1回、その後は設定間隔でappcastを再取得する。
// 一時的な失敗の後は指数バックオフで早めに再試行する。
// ctxがキャンセルされるまで戻らない。
func (s *Service) Run(ctx context.Context) {
	if !s.Enabled() {
		s.logger.Info("appcastのURLが未設定のため取得を行いません")
		return
	}

	failures := 0
	for {
		delay := s.config.Interval
		if err := s.refreshAndLog(ctx); err == nil {
			failures = 0
		} else if isTransient(err) {
			delay = retryDelay(failures, s.config.Interval)
			failures++
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Service) refreshAndLog(ctx context.Context) error {
	err := s.Refresh(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("appcastの取得に失敗しました",
			slog.String("url", s.config.URL),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// Refresh はappcastを取得してキャッシュを差し替える。
// 失敗した場合は前回のキャッシュを保持する。
func (s *Service) Refresh(ctx context.Context) error {
	if !s.Enabled() {
		return ErrNotConfigured
	}

	releases, err := s.fetch(ctx)
	s.metrics.RecordReleasesRefresh(err == nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.releases = releases
	s.fetchedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("appcastを取得しました", slog.Int("releases", len(releases)))
	return nil
}

func (s *Service) fetch(ctx context.Context) ([]Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch appcast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read appcast: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse appcast: %w", err)
	}

	return s.convertItems(feed.Items), nil
}

// convertItems はgofeedの項目をReleaseに変換し、新しい順に並べる。
func (s *Service) convertItems(items []*gofeed.Item) []Release {
	releases := make([]Release, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		r := Release{
			Title:         strings.TrimSpace(item.Title),
			Version:       sparkleValue(item, "version"),
			ShortVersion:  sparkleValue(item, "shortVersionString"),
			MinimumSystem: sparkleValue(item, "minimumSystemVersion"),
		}
		if item.PublishedParsed != nil {
			r.PublishedAt = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			r.PublishedAt = *item.UpdatedParsed
		}

		notes := item.Content
		if notes == "" {
			notes = item.Description
		}
		if notes != "" && s.sanitizer != nil {
			r.NotesHTML = s.sanitizer.Sanitize(notes)
			r.Summary = Summarize(r.NotesHTML, 200)
		}

		for _, enc := range item.Enclosures {
			if enc == nil || enc.URL == "" {
				continue
			}
			r.DownloadURL = enc.URL
			if n, err := strconv.ParseInt(enc.Length, 10, 64); err == nil {
				r.DownloadSize = n
			}
			break
		}

		releases = append(releases, r)
	}

	sort.SliceStable(releases, func(i, j int) bool {
		return releases[i].PublishedAt.After(releases[j].PublishedAt)
	})
	return releases
}

// sparkleValue はsparkle名前空間の拡張要素の値を返す。
func sparkleValue(item *gofeed.Item, name string) string {
	ext, ok := item.Extensions["sparkle"]
	if !ok {
		return ""
	}
	values := ext[name]
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0].Value)
}
