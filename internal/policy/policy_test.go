package policy

import (
	"testing"

	"aicareer/internal/errcode"
)

func TestAssertOwnership(t *testing.T) {
	cases := []struct {
		name      string
		requester string
		owner     string
		wantErr   bool
	}{
		{"same user", "u1", "u1", false},
		{"different user", "u2", "u1", true},
		{"empty requester", "", "u1", true},
		{"empty owner", "u1", "", true},
		{"both empty", "", "", true},
		{"whitespace", "  ", "  ", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := AssertOwnership(tc.requester, tc.owner)
			if tc.wantErr {
				if !errcode.HasCode(err, errcode.AccessDenied) {
					t.Fatalf("expected ACCESS_DENIED got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestAssertRole(t *testing.T) {
	if err := AssertRole("admin", "admin"); err != nil {
		t.Fatalf("admin should pass: %v", err)
	}
	if err := AssertRole("ADMIN", "admin"); err != nil {
		t.Fatalf("role comparison should ignore case: %v", err)
	}
	if err := AssertRole("user", "admin"); !errcode.HasCode(err, errcode.Forbidden) {
		t.Fatalf("expected FORBIDDEN got %v", err)
	}
}
