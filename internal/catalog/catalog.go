// Package catalog は料金プランのカタログを提供する。
// プラン定義はYAMLで管理し、koanfで読み込む。パス未指定時は埋め込みの既定カタログを使う。
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

//go:embed plans.yaml
var defaultPlans []byte

// Plan は1つの料金プラン（価格）を表す。
// 無料プランはPriceIDを持たず、PlanIDで会員に付与する。
type Plan struct {
	Key           string   `koanf:"key" json:"key"`
	Name          string   `koanf:"name" json:"name"`
	Tagline       string   `koanf:"tagline" json:"tagline"`
	PlanID        string   `koanf:"plan_id" json:"planId"`
	PriceID       string   `koanf:"price_id" json:"priceId,omitempty"`
	StripePriceID string   `koanf:"stripe_price_id" json:"-"`
	Amount        int64    `koanf:"amount" json:"amount"` // 最小通貨単位
	Currency      string   `koanf:"currency" json:"currency"`
	Interval      string   `koanf:"interval" json:"interval,omitempty"`
	TrialDays     int      `koanf:"trial_days" json:"trialDays,omitempty"`
	Highlight     bool     `koanf:"highlight" json:"highlight,omitempty"`
	Badge         string   `koanf:"badge" json:"badge,omitempty"`
	CTA           string   `koanf:"cta" json:"cta"`
	Features      []string `koanf:"features" json:"features"`
}

// IsFree は無料プランかどうかを返す。
func (p Plan) IsFree() bool {
	return p.PriceID == ""
}

// DisplayPrice は "$3.99" 形式の表示価格を返す。
func (p Plan) DisplayPrice() string {
	if p.Amount%100 == 0 {
		return fmt.Sprintf("$%d", p.Amount/100)
	}
	return fmt.Sprintf("$%d.%02d", p.Amount/100, p.Amount%100)
}

type document struct {
	Plans []Plan `koanf:"plans"`
}

// Catalog はプラン一覧を保持する。Reloadによる差し替えに対してスレッドセーフ。
type Catalog struct {
	mu    sync.RWMutex
	plans []Plan

	path   string
	logger *slog.Logger
}

// Load はプランカタログを読み込む。pathが空の場合は埋め込みの既定カタログを使う。
func Load(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{path: path, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload はカタログを再読み込みする。検証に失敗した場合は既存のプランを維持する。
func (c *Catalog) Reload() error {
	k := koanf.New(".")

	var provider koanf.Provider = bytesProvider(defaultPlans)
	if c.path != "" {
		provider = file.Provider(c.path)
	}
	if err := k.Load(provider, yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load plan catalog: %w", err)
	}

	var doc document
	if err := k.UnmarshalWithConf("", &doc, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("failed to unmarshal plan catalog: %w", err)
	}
	if err := validate(doc.Plans); err != nil {
		return fmt.Errorf("invalid plan catalog: %w", err)
	}

	c.mu.Lock()
	c.plans = doc.Plans
	c.mu.Unlock()
	return nil
}

// Watch はカタログファイルの変更を監視し、変更時に再読み込みする。
// 埋め込みカタログを使っている場合は何もしない。
func (c *Catalog) Watch() error {
	if c.path == "" {
		return nil
	}
	return file.Provider(c.path).Watch(func(event interface{}, err error) {
		if err != nil {
			c.logger.Error("プランカタログの監視に失敗しました", slog.String("error", err.Error()))
			return
		}
		if err := c.Reload(); err != nil {
			c.logger.Error("プランカタログの再読み込みに失敗しました",
				slog.String("path", c.path),
				slog.String("error", err.Error()),
			)
			return
		}
		c.logger.Info("プランカタログを再読み込みしました", slog.String("path", c.path))
	})
}

// Plans は全プランのコピーを定義順で返す。
func (c *Catalog) Plans() []Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// Free は無料プランを返す。
func (c *Catalog) Free() (Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.plans {
		if p.IsFree() {
			return p, true
		}
	}
	return Plan{}, false
}

// FreePlanID は新規登録時に付与する無料プランのIDを返す。
func (c *Catalog) FreePlanID() string {
	p, _ := c.Free()
	return p.PlanID
}

// ByPriceID は有料プランを価格IDで引く。
func (c *Catalog) ByPriceID(priceID string) (Plan, bool) {
	if priceID == "" {
		return Plan{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.plans {
		if p.PriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}

// ByStripePriceID は有料プランをStripeの価格IDで引く。
func (c *Catalog) ByStripePriceID(stripePriceID string) (Plan, bool) {
	if stripePriceID == "" {
		return Plan{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.plans {
		if p.StripePriceID == stripePriceID {
			return p, true
		}
	}
	return Plan{}, false
}

// FreeByPlanID は無料プランをプランIDで引く。
func (c *Catalog) FreeByPlanID(planID string) (Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.plans {
		if p.IsFree() && p.PlanID == planID {
			return p, true
		}
	}
	return Plan{}, false
}

func validate(plans []Plan) error {
	if len(plans) == 0 {
		return errors.New("no plans defined")
	}
	keys := make(map[string]bool)
	prices := make(map[string]bool)
	free := 0
	for i, p := range plans {
		if p.Key == "" {
			return fmt.Errorf("plan %d: key is required", i)
		}
		if keys[p.Key] {
			return fmt.Errorf("plan %q: duplicate key", p.Key)
		}
		keys[p.Key] = true
		if p.PlanID == "" {
			return fmt.Errorf("plan %q: plan_id is required", p.Key)
		}
		if p.IsFree() {
			free++
			continue
		}
		if p.StripePriceID == "" {
			return fmt.Errorf("plan %q: stripe_price_id is required for paid plans", p.Key)
		}
		if prices[p.PriceID] {
			return fmt.Errorf("plan %q: duplicate price_id %s", p.Key, p.PriceID)
		}
		prices[p.PriceID] = true
	}
	if free != 1 {
		return fmt.Errorf("exactly one free plan is required, got %d", free)
	}
	return nil
}

// bytesProvider はメモリ上のYAMLを返すkoanf.Provider。
type bytesProvider []byte

func (b bytesProvider) ReadBytes() ([]byte, error) {
	return b, nil
}

func (b bytesProvider) Read() (map[string]interface{}, error) {
	return nil, errors.New("bytesProvider does not support Read")
}
