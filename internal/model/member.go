// Package model はドメインモデルを定義する。
package model

import "time"

// PlanStatusActive は有効なプラン接続のステータス。
const PlanStatusActive = "ACTIVE"

// Member はMemberstackが所有する会員レコードのローカル表現。
// 外部プロバイダーのオブジェクトをそのまま写し取ったもので、ローカルでの不変条件は持たない。
type Member struct {
	ID               string           `json:"id"`
	Auth             MemberAuth       `json:"auth"`
	PlanConnections  []PlanConnection `json:"planConnections"`
	StripeCustomerID string           `json:"stripeCustomerId,omitempty"`
	CustomFields     map[string]any   `json:"customFields,omitempty"`
	MetaData         map[string]any   `json:"metaData,omitempty"`
	CreatedAt        *time.Time       `json:"createdAt,omitempty"`
}

// MemberAuth は会員の認証情報（メールアドレス）。
type MemberAuth struct {
	Email string `json:"email"`
}

// PlanConnection は会員とプランの紐付けを表す。
type PlanConnection struct {
	ID      string       `json:"id"`
	PlanID  string       `json:"planId"`
	Status  string       `json:"status"`
	Payment *PlanPayment `json:"payment,omitempty"`
}

// PlanPayment はプラン接続の支払い情報。無料プランの場合は存在しない。
type PlanPayment struct {
	PriceID string `json:"priceId"`
}

// IsActive はプラン接続が有効かどうかを返す。
func (pc PlanConnection) IsActive() bool {
	return pc.Status == PlanStatusActive
}

// ActivePlans は有効なプラン接続のみを返す。
func (m *Member) ActivePlans() []PlanConnection {
	if m == nil {
		return nil
	}
	var active []PlanConnection
	for _, pc := range m.PlanConnections {
		if pc.IsActive() {
			active = append(active, pc)
		}
	}
	return active
}

// HasPlan は指定価格IDの有効なプラン接続を持つかどうかを返す。
// payment.priceIdが一致し、かつstatusがACTIVEである接続が1つでもあればtrue。
func (m *Member) HasPlan(priceID string) bool {
	if m == nil || priceID == "" {
		return false
	}
	for _, pc := range m.PlanConnections {
		if pc.Payment != nil && pc.Payment.PriceID == priceID && pc.IsActive() {
			return true
		}
	}
	return false
}

// HasPlanConnections はプラン接続を1つ以上持つかどうかを返す。
func (m *Member) HasPlanConnections() bool {
	return m != nil && len(m.PlanConnections) > 0
}

// Summary はAPIレスポンス用に必要最小限のフィールドだけを残した会員を返す。
// planConnectionsがnilの場合は空スライスにする。
func (m *Member) Summary() *Member {
	if m == nil {
		return nil
	}
	pcs := m.PlanConnections
	if pcs == nil {
		pcs = []PlanConnection{}
	}
	return &Member{
		ID:              m.ID,
		Auth:            MemberAuth{Email: m.Auth.Email},
		PlanConnections: pcs,
	}
}
