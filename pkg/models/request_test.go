package models

import (
	"testing"
	"time"
)

func TestValidUntilAnchorsOnCreation(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &AccessRequest{CreatedAt: created}

	if got := r.ValidUntil(time.Hour); !got.Equal(created.Add(time.Hour)) {
		t.Errorf("ValidUntil = %v, want %v", got, created.Add(time.Hour))
	}
}

func TestValidUntilSlidesOnView(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	viewed := created.Add(40 * time.Minute)
	r := &AccessRequest{CreatedAt: created, ViewedAt: &viewed}

	// The window restarts in full from the view, not from creation.
	want := viewed.Add(time.Hour)
	if got := r.ValidUntil(time.Hour); !got.Equal(want) {
		t.Errorf("ValidUntil = %v, want %v", got, want)
	}

	if !r.IsValidAt(created.Add(90*time.Minute), time.Hour) {
		t.Error("request should still be valid 90m after creation when viewed at 40m")
	}
	if r.IsValidAt(viewed.Add(time.Hour), time.Hour) {
		t.Error("request should be invalid exactly at the window boundary")
	}
}

func TestApprovalCount(t *testing.T) {
	r := &AccessRequest{Approvers: []Approval{
		{ApproverID: "a", Decision: DecisionApproved},
		{ApproverID: "b", Decision: DecisionPending},
		{ApproverID: "c", Decision: DecisionApproved},
	}}
	if got := r.ApprovalCount(); got != 2 {
		t.Errorf("ApprovalCount = %d, want 2", got)
	}
	if r.ApproverEntry("b") == nil || r.ApproverEntry("zz") != nil {
		t.Error("ApproverEntry lookup incorrect")
	}
}

func TestGrantCapabilityShape(t *testing.T) {
	cases := []struct {
		name    string
		decrypt []byte
		modify  []byte
		want    Capability
		write   bool
	}{
		{"both halves", []byte("d"), []byte("m"), CapabilityReadWrite, true},
		{"decrypt only", []byte("d"), nil, CapabilityReadOnly, false},
		{"modify only", nil, []byte("m"), CapabilityNone, true},
		{"neither", nil, nil, CapabilityNone, false},
	}
	for _, tc := range cases {
		g := &AccessGrant{WrappedDecrypt: tc.decrypt, WrappedModify: tc.modify}
		if got := g.Capability(); got != tc.want {
			t.Errorf("%s: Capability = %v, want %v", tc.name, got, tc.want)
		}
		if got := g.CanWrite(); got != tc.write {
			t.Errorf("%s: CanWrite = %v, want %v", tc.name, got, tc.write)
		}
	}
}
