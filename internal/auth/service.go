// Package auth はMemberstackを介したログイン・新規登録、ネイティブアプリとの
// トークン受け渡し、Webセッション管理、Googleログインを提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/flowsapp/flowsweb/internal/authevents"
	"github.com/flowsapp/flowsweb/internal/handoff"
	"github.com/flowsapp/flowsweb/internal/memberstack"
	"github.com/flowsapp/flowsweb/internal/metrics"
	"github.com/flowsapp/flowsweb/internal/model"
	"github.com/flowsapp/flowsweb/internal/repository"
)

// ErrGoogleDisabled はGoogleログインが設定されていない場合に返される。
var ErrGoogleDisabled = errors.New("google login is not configured")

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string // "google"
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// MemberProvider は会員を所有する外部プロバイダーのインターフェース。
type MemberProvider interface {
	GetMember(ctx context.Context, idOrEmail string) (*model.Member, error)
	CreateMember(ctx context.Context, params memberstack.CreateMemberParams) (*model.Member, error)
	LoginMember(ctx context.Context, email, password string) (string, error)
	VerifyToken(ctx context.Context, token string) (string, error)
}

// FreePlanSource は新規登録時に付与する無料プランIDを返す。
type FreePlanSource interface {
	FreePlanID() string
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge     int           // Webログインのセッション有効期間（秒）
	SyncSessionMaxAge int           // トークン同期で発行するセッションの有効期間（秒）
	HandoffMaxAge     time.Duration // 0の場合はトークンの経過時間を検証しない
}

// AuthResult はログイン・新規登録の結果。
type AuthResult struct {
	Member *model.Member
	Token  string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	members     MemberProvider
	oauth       OAuthProvider
	sessionRepo repository.SessionRepository
	plans       FreePlanSource
	events      authevents.Publisher
	metrics     metrics.MetricsCollector
	config      ServiceConfig
	logger      *slog.Logger
	now         func() time.Time
}

// NewService はServiceを生成する。oauthがnilの場合はGoogleログインを無効にする。
func NewService(
	members MemberProvider,
	oauth OAuthProvider,
	sessionRepo repository.SessionRepository,
	plans FreePlanSource,
	events authevents.Publisher,
	collector metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		members:     members,
		oauth:       oauth,
		sessionRepo: sessionRepo,
		plans:       plans,
		events:      events,
		metrics:     collector,
		config:      config,
		logger:      slog.Default(),
		now:         time.Now,
	}
}

// Login はメールアドレスとパスワードでログインし、会員とトークンを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, model.NewCredentialsRequiredError()
	}

	memberID, err := s.members.LoginMember(ctx, email, password)
	if err != nil {
		s.metrics.RecordAuthEvent("login", "failure")
		if errors.Is(err, memberstack.ErrMissingMemberID) {
			return nil, model.NewLoginFailedError("Login failed")
		}
		s.logger.Warn("ログインに失敗しました", slog.String("error", err.Error()))
		return nil, model.NewInvalidCredentialsError(memberstack.ProviderMessage(err))
	}

	member, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		s.metrics.RecordAuthEvent("login", "failure")
		s.logger.Error("会員情報の取得に失敗しました",
			slog.String("member_id", memberID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewLoginFailedError("Failed to fetch member details")
	}
	if member.Auth.Email == "" {
		member.Auth.Email = email
	}

	s.metrics.RecordAuthEvent("login", "success")
	s.publish(model.AuthChangeLogin, member)
	s.logger.Info("会員がログインしました", slog.String("member_id", member.ID))

	return &AuthResult{Member: member, Token: handoff.Mint(member.ID, s.now())}, nil
}

// Signup は無料プラン付きで会員を作成し、会員とトークンを返す。
func (s *Service) Signup(ctx context.Context, email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, model.NewCredentialsRequiredError()
	}

	member, err := s.members.CreateMember(ctx, memberstack.CreateMemberParams{
		Email:    email,
		Password: password,
		PlanIDs:  s.freePlanIDs(),
	})
	if err != nil {
		s.metrics.RecordAuthEvent("signup", "failure")
		s.logger.Warn("新規登録に失敗しました", slog.String("error", err.Error()))
		return nil, signupError(err)
	}

	s.metrics.RecordAuthEvent("signup", "success")
	s.publish(model.AuthChangeSignup, member)
	s.logger.Info("会員が登録されました", slog.String("member_id", member.ID))

	return &AuthResult{Member: member, Token: handoff.Mint(member.ID, s.now())}, nil
}

// signupError はプロバイダーのエラーを新規登録のAPIErrorに変換する。
// プロバイダーのメッセージとステータスを優先する。
func signupError(err error) *model.APIError {
	msg := memberstack.ProviderMessage(err)
	status := memberstack.StatusCode(err)
	if msg == "" && errors.Is(err, memberstack.ErrEmailExists) {
		apiErr := model.NewEmailExistsError()
		apiErr.HTTPStatus = status
		return apiErr
	}
	if status == 0 {
		// 通信エラーの詳細は返さない
		msg = ""
	}
	return model.NewSignupFailedError(msg, status)
}

// MemberFromToken はハンドオフトークンから会員を取得する。
func (s *Service) MemberFromToken(ctx context.Context, token string) (*model.Member, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, model.NewNoTokenError()
	}

	memberID, apiErr := s.parseToken(token)
	if apiErr != nil {
		return nil, apiErr
	}

	member, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		if isProviderResponse(err) {
			return nil, model.NewMemberNotFoundError()
		}
		return nil, model.NewProviderError("Failed to fetch member details")
	}
	return member, nil
}

// SyncSession はネイティブアプリから受け取ったトークンをWebセッションに交換する。
func (s *Service) SyncSession(ctx context.Context, token string) (*model.Session, *model.Member, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil, model.NewTokenRequiredError()
	}

	memberID, apiErr := s.parseToken(token)
	if apiErr != nil {
		return nil, nil, apiErr
	}

	member, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		if isProviderResponse(err) {
			return nil, nil, model.NewMemberNotFoundError()
		}
		s.logger.Error("トークン同期中に会員取得に失敗しました",
			slog.String("member_id", memberID),
			slog.String("error", err.Error()),
		)
		return nil, nil, model.NewSyncFailedError()
	}

	session, err := s.createSession(ctx, member.ID, model.SessionSourceSync, s.config.SyncSessionMaxAge)
	if err != nil {
		s.logger.Error("セッションの作成に失敗しました",
			slog.String("member_id", member.ID),
			slog.String("error", err.Error()),
		)
		return nil, nil, model.NewSyncFailedError()
	}

	s.publish(model.AuthChangeSessionSynced, member)
	return session, member, nil
}

// StartWebSession はWebサイトでのログイン後にセッションを発行する。
func (s *Service) StartWebSession(ctx context.Context, memberID string, source model.SessionSource) (*model.Session, error) {
	if memberID == "" {
		return nil, fmt.Errorf("member ID is required")
	}
	session, err := s.createSession(ctx, memberID, source, s.config.SessionMaxAge)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// CurrentMember はCookieから現在の会員を解決する。
// 未ログインはエラーではなく (nil, nil) を返す。
func (s *Service) CurrentMember(ctx context.Context, sessionID, msToken string) (*model.Member, error) {
	if sessionID != "" {
		session, err := s.sessionRepo.FindByID(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to find session: %w", err)
		}
		if session != nil {
			member, err := s.members.GetMember(ctx, session.MemberID)
			if err == nil {
				return member, nil
			}
			if !errors.Is(err, memberstack.ErrMemberNotFound) {
				return nil, fmt.Errorf("failed to fetch member: %w", err)
			}
			// 会員が削除済みのセッションは破棄する
			if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
				s.logger.Warn("孤立セッションの削除に失敗しました", slog.String("error", err.Error()))
			}
		}
	}

	if msToken == "" {
		return nil, nil
	}
	return s.memberFromProviderToken(ctx, msToken)
}

// memberFromProviderToken はブラウザSDKが設定するJWTから会員を解決する。
// 期限切れはローカルで弾き、署名の検証はプロバイダーに任せる。
func (s *Service) memberFromProviderToken(ctx context.Context, msToken string) (*model.Member, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(msToken, claims); err != nil {
		s.logger.Debug("不正なプロバイダートークンを無視しました", slog.String("error", err.Error()))
		return nil, nil
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && !exp.After(s.now()) {
		return nil, nil
	}

	memberID, err := s.members.VerifyToken(ctx, msToken)
	if err != nil {
		if isProviderResponse(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}

	member, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		if errors.Is(err, memberstack.ErrMemberNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch member: %w", err)
	}
	return member, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to find session: %w", err)
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if session != nil {
		s.publishLogout(session.MemberID)
		s.logger.Info("会員がログアウトしました", slog.String("member_id", session.MemberID))
	}
	s.metrics.RecordAuthEvent("logout", "success")
	return nil
}

// GoogleEnabled はGoogleログインが利用可能かどうかを返す。
func (s *Service) GoogleEnabled() bool {
	return s.oauth != nil
}

// GoogleLoginURL はGoogleの認証URLを生成する。
func (s *Service) GoogleLoginURL(state string) (string, error) {
	if s.oauth == nil {
		return "", ErrGoogleDisabled
	}
	return s.oauth.GetLoginURL(state), nil
}

// HandleGoogleCallback はGoogleの認可コードを処理する。
// メールアドレスで既存会員を探し、いなければ無料プラン付きで作成する。
func (s *Service) HandleGoogleCallback(ctx context.Context, code string) (*AuthResult, error) {
	if s.oauth == nil {
		return nil, ErrGoogleDisabled
	}

	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		s.metrics.RecordAuthEvent("google", "failure")
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}
	if userInfo.Email == "" {
		s.metrics.RecordAuthEvent("google", "failure")
		return nil, fmt.Errorf("oauth provider returned no email")
	}

	changeType := model.AuthChangeLogin
	member, err := s.members.GetMember(ctx, userInfo.Email)
	switch {
	case err == nil:
		s.logger.Info("既存会員がGoogleでログインしました",
			slog.String("member_id", member.ID),
			slog.String("provider", userInfo.Provider),
		)
	case errors.Is(err, memberstack.ErrMemberNotFound):
		password, perr := generateSessionID()
		if perr != nil {
			return nil, fmt.Errorf("failed to generate password: %w", perr)
		}
		member, err = s.members.CreateMember(ctx, memberstack.CreateMemberParams{
			Email:    userInfo.Email,
			Password: password,
			PlanIDs:  s.freePlanIDs(),
		})
		if err != nil {
			s.metrics.RecordAuthEvent("google", "failure")
			return nil, fmt.Errorf("failed to create member: %w", err)
		}
		changeType = model.AuthChangeSignup
		s.logger.Info("Googleログインで会員を作成しました",
			slog.String("member_id", member.ID),
			slog.String("provider", userInfo.Provider),
		)
	default:
		s.metrics.RecordAuthEvent("google", "failure")
		return nil, fmt.Errorf("failed to find member: %w", err)
	}

	s.metrics.RecordAuthEvent("google", "success")
	s.publish(changeType, member)
	return &AuthResult{Member: member, Token: handoff.Mint(member.ID, s.now())}, nil
}

// parseToken はハンドオフトークンを検証してメンバーIDを返す。
func (s *Service) parseToken(token string) (string, *model.APIError) {
	ht, err := handoff.Parse(token)
	if err != nil {
		if errors.Is(err, handoff.ErrInvalidTokenFormat) {
			return "", model.NewInvalidTokenFormatError()
		}
		return "", model.NewInvalidTokenError()
	}
	if err := handoff.CheckAge(ht, s.config.HandoffMaxAge, s.now()); err != nil {
		return "", model.NewTokenExpiredError()
	}
	return ht.MemberID, nil
}

func (s *Service) freePlanIDs() []string {
	if s.plans == nil {
		return nil
	}
	if id := s.plans.FreePlanID(); id != "" {
		return []string{id}
	}
	return nil
}

func (s *Service) publish(t model.AuthChangeType, member *model.Member) {
	if s.events == nil || member == nil {
		return
	}
	s.events.Publish(model.AuthChange{Type: t, MemberID: member.ID, Member: member.Summary()})
}

// publishLogout はログアウトを通知する。会員情報は付けない。
func (s *Service) publishLogout(memberID string) {
	if s.events == nil {
		return
	}
	s.events.Publish(model.AuthChange{Type: model.AuthChangeLogout, MemberID: memberID})
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, memberID string, source model.SessionSource, maxAge int) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		MemberID:  memberID,
		Source:    source,
		ExpiresAt: now.Add(time.Duration(maxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// isProviderResponse はerrがプロバイダーのエラーレスポンスかどうかを返す。
func isProviderResponse(err error) bool {
	var e *memberstack.Error
	return errors.As(err, &e) ||
		errors.Is(err, memberstack.ErrMemberNotFound) ||
		errors.Is(err, memberstack.ErrMissingMemberID)
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
