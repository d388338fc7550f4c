package client

import (
	"context"
	"errors"
	"sync"

	"github.com/flowsapp/flowsweb/internal/model"
)

// ErrNoSubscriptions は管理対象のプランがない会員が請求管理ポータルを開こうとした場合に返される。
var ErrNoSubscriptions = errors.New("client: no active subscriptions to manage")

// API はStateが使うClientの操作。
type API interface {
	Session(ctx context.Context) (*model.Member, error)
	Me(ctx context.Context) (*model.Member, error)
	Login(ctx context.Context, email, password string) (*AuthResult, error)
	Signup(ctx context.Context, email, password string) (*AuthResult, error)
	Logout(ctx context.Context) error
	Checkout(ctx context.Context, priceID string) (string, error)
	AddFreePlan(ctx context.Context, planID string) (*model.Member, error)
	BillingPortal(ctx context.Context, returnURL string) (string, error)
}

var _ API = (*Client)(nil)

// State は現在の会員、読み込み中フラグ、直近のエラーを保持する。
// 初期状態は読み込み中で、Bootstrapの完了で解除される。
type State struct {
	api API

	mu       sync.RWMutex
	member   *model.Member
	loading  bool
	errMsg   string
	onChange []func(*model.Member)
}

// NewState はStateを生成する。
func NewState(api API) *State {
	return &State{api: api, loading: true}
}

// Member は現在の会員を返す。未ログインの場合はnil。
func (s *State) Member() *model.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.member
}

// IsLoading は処理中かどうかを返す。
func (s *State) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Error は直近の操作のエラーメッセージを返す。
func (s *State) Error() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errMsg
}

// HasPlan は指定価格IDの有効なプランを持つかどうかを返す。
func (s *State) HasPlan(priceID string) bool {
	return s.Member().HasPlan(priceID)
}

// OnChange は会員が変わるたびに呼ばれる関数を登録する。
func (s *State) OnChange(fn func(*model.Member)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Bootstrap は初期状態の会員を取得する。
// 取得に失敗した場合は未ログインとして扱い、エラーは記録しない。
func (s *State) Bootstrap(ctx context.Context) {
	member, err := s.api.Session(ctx)
	if err == nil && member == nil {
		member, err = s.api.Me(ctx)
	}
	if err != nil {
		member = nil
	}
	s.finish(member)
}

// Apply は認証状態の変更イベントを反映する。
func (s *State) Apply(change model.AuthChange) {
	member := change.Member
	if change.Type == model.AuthChangeLogout {
		member = nil
	}
	s.finish(member)
}

// Watch はchangesが閉じられるかctxがキャンセルされるまでイベントを反映し続ける。
func (s *State) Watch(ctx context.Context, changes <-chan model.AuthChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			s.Apply(change)
		}
	}
}

// Login はログインして会員を反映する。
func (s *State) Login(ctx context.Context, email, password string) error {
	s.begin()
	result, err := s.api.Login(ctx, email, password)
	if err != nil {
		s.fail(err, "Failed to login")
		return err
	}
	s.finish(result.Member)
	return nil
}

// Signup は新規登録して会員を反映する。
func (s *State) Signup(ctx context.Context, email, password string) error {
	s.begin()
	result, err := s.api.Signup(ctx, email, password)
	if err != nil {
		s.fail(err, "Failed to sign up")
		return err
	}
	s.finish(result.Member)
	return nil
}

// Logout はログアウトして会員をクリアする。
func (s *State) Logout(ctx context.Context) error {
	s.begin()
	if err := s.api.Logout(ctx); err != nil {
		s.fail(err, "Failed to logout")
		return err
	}
	s.finish(nil)
	return nil
}

// PurchasePlan は有料プランのCheckout URLを返す。
// 未ログインの場合はErrNotLoggedInを返す。ログイン後に再度呼び出す。
func (s *State) PurchasePlan(ctx context.Context, priceID string) (string, error) {
	if s.Member() == nil {
		return "", ErrNotLoggedIn
	}
	s.begin()
	checkoutURL, err := s.api.Checkout(ctx, priceID)
	if err != nil {
		s.fail(err, "Failed to start checkout")
		return "", err
	}
	s.done()
	return checkoutURL, nil
}

// AddFreePlan は無料プランを付与し、更新後の会員を反映する。
func (s *State) AddFreePlan(ctx context.Context, planID string) error {
	if s.Member() == nil {
		return ErrNotLoggedIn
	}
	s.begin()
	member, err := s.api.AddFreePlan(ctx, planID)
	if err != nil {
		s.fail(err, "Failed to add plan")
		return err
	}
	s.finish(member)
	return nil
}

// LaunchBillingPortal は請求管理ポータルのURLを返す。
// プラン接続を持たない会員の場合はErrNoSubscriptionsを返し、エラーメッセージを記録する。
func (s *State) LaunchBillingPortal(ctx context.Context, returnURL string) (string, error) {
	member := s.Member()
	if !member.HasPlanConnections() {
		s.mu.Lock()
		s.errMsg = "No active subscriptions to manage"
		s.mu.Unlock()
		return "", ErrNoSubscriptions
	}
	s.begin()
	portalURL, err := s.api.BillingPortal(ctx, returnURL)
	if err != nil {
		s.fail(err, "Failed to open billing portal")
		return "", err
	}
	s.done()
	return portalURL, nil
}

func (s *State) begin() {
	s.mu.Lock()
	s.loading = true
	s.errMsg = ""
	s.mu.Unlock()
}

func (s *State) done() {
	s.mu.Lock()
	s.loading = false
	s.mu.Unlock()
}

func (s *State) fail(err error, fallback string) {
	msg := fallback
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		msg = apiErr.Message
	}
	s.mu.Lock()
	s.loading = false
	s.errMsg = msg
	s.mu.Unlock()
}

// finish は会員を差し替えて処理を完了し、登録済みの関数に通知する。
func (s *State) finish(member *model.Member) {
	s.mu.Lock()
	s.member = member
	s.loading = false
	s.errMsg = ""
	listeners := append([]func(*model.Member){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(member)
	}
}
