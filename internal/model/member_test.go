package model

import "testing"

func newTestMember() *Member {
	return &Member{
		ID:   "mem_123",
		Auth: MemberAuth{Email: "user@example.com"},
		PlanConnections: []PlanConnection{
			{ID: "con_free", PlanID: "pln_free-xgrp0bsv", Status: "ACTIVE"},
			{ID: "con_monthly", PlanID: "pln_pro", Status: "ACTIVE", Payment: &PlanPayment{PriceID: "prc_pro-monthly-lqr107dp"}},
			{ID: "con_yearly", PlanID: "pln_pro", Status: "CANCELED", Payment: &PlanPayment{PriceID: "prc_pro-yearly-q5ro0ba7"}},
		},
	}
}

func TestMember_HasPlan(t *testing.T) {
	m := newTestMember()

	tests := []struct {
		name    string
		priceID string
		want    bool
	}{
		{"有効な有料プラン", "prc_pro-monthly-lqr107dp", true},
		{"キャンセル済みのプラン", "prc_pro-yearly-q5ro0ba7", false},
		{"存在しない価格", "prc_unknown", false},
		{"空の価格ID", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.HasPlan(tt.priceID); got != tt.want {
				t.Errorf("HasPlan(%q) = %v, want %v", tt.priceID, got, tt.want)
			}
		})
	}
}

func TestMember_HasPlan_NilMember(t *testing.T) {
	var m *Member
	if m.HasPlan("prc_pro-monthly-lqr107dp") {
		t.Error("nil会員はプランを持たない")
	}
}

func TestMember_HasPlan_FreePlanWithoutPayment(t *testing.T) {
	m := &Member{PlanConnections: []PlanConnection{{PlanID: "pln_free", Status: "ACTIVE"}}}
	if m.HasPlan("pln_free") {
		t.Error("支払い情報のない接続は価格IDに一致しない")
	}
}

func TestMember_ActivePlans(t *testing.T) {
	m := newTestMember()

	active := m.ActivePlans()
	if len(active) != 2 {
		t.Fatalf("len(ActivePlans()) = %d, want 2", len(active))
	}
	for _, pc := range active {
		if pc.Status != PlanStatusActive {
			t.Errorf("status = %q, want ACTIVE", pc.Status)
		}
	}
}

func TestMember_Summary_NilPlanConnectionsBecomesEmpty(t *testing.T) {
	m := &Member{ID: "mem_1", Auth: MemberAuth{Email: "a@example.com"}, StripeCustomerID: "cus_1"}

	s := m.Summary()
	if s.PlanConnections == nil {
		t.Fatal("PlanConnections should be an empty slice, not nil")
	}
	if s.StripeCustomerID != "" {
		t.Error("Summary should drop the Stripe customer id")
	}
	if s.Auth.Email != "a@example.com" {
		t.Errorf("Email = %q", s.Auth.Email)
	}
}

func TestAPIError_Error(t *testing.T) {
	err := NewNoSubscriptionsError()
	want := "[NO_SUBSCRIPTIONS] No active subscriptions to manage"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNewSignupFailedError_DefaultsStatusAndMessage(t *testing.T) {
	err := NewSignupFailedError("", 0)
	if err.HTTPStatus != 400 {
		t.Errorf("HTTPStatus = %d, want 400", err.HTTPStatus)
	}
	if err.Message != "Signup failed" {
		t.Errorf("Message = %q, want %q", err.Message, "Signup failed")
	}
}
