package actor

import (
	"errors"
	"testing"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"user", RoleUser, false},
		{"Patient", RoleUser, false},
		{"doctor", RoleDoctor, false},
		{" ADMIN ", RoleAdmin, false},
		{"nurse", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRole(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRole(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalize_Flat(t *testing.T) {
	a, err := Normalize([]byte(`{"id":"u-1","role":"user","email":"a@b.test"}`), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID != "u-1" || a.Role != RoleUser || a.Email != "a@b.test" {
		t.Errorf("unexpected actor: %+v", a)
	}
}

func TestNormalize_NestedUserWrappers(t *testing.T) {
	payload := `{"token":"x","user":{"user":{"user":{"_id":"u-9","role":"doctor","email":"d@b.test"}}}}`
	a, err := Normalize([]byte(payload), RoleUser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID != "u-9" {
		t.Errorf("ID = %q, want u-9", a.ID)
	}
	if a.Role != RoleDoctor {
		t.Errorf("Role = %q, want doctor", a.Role)
	}
}

func TestNormalize_InnermostIdentifierWins(t *testing.T) {
	payload := `{"userId":"outer","user":{"id":"inner","role":"admin"}}`
	a, err := Normalize([]byte(payload), RoleUser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID != "inner" || a.Role != RoleAdmin {
		t.Errorf("unexpected actor: %+v", a)
	}
}

func TestNormalize_FallbackRole(t *testing.T) {
	a, err := Normalize([]byte(`{"userId":"p-1"}`), RoleUser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Role != RoleUser {
		t.Errorf("Role = %q, want user", a.Role)
	}

	d, err := Normalize([]byte(`{"doctorId":"d-1"}`), RoleUser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Role != RoleDoctor {
		t.Errorf("Role = %q, want doctor for doctorId payload", d.Role)
	}
}

func TestNormalize_MissingID(t *testing.T) {
	_, err := Normalize([]byte(`{"user":{"email":"x@y.test"}}`), RoleUser)
	if !errors.Is(err, ErrMissingID) {
		t.Errorf("expected ErrMissingID, got %v", err)
	}
}

func TestNormalize_InvalidRole(t *testing.T) {
	_, err := Normalize([]byte(`{"id":"x","role":"janitor"}`), RoleUser)
	if !errors.Is(err, ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
}

func TestNormalize_Malformed(t *testing.T) {
	if _, err := Normalize([]byte(`not json`), RoleUser); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestActor_Validate(t *testing.T) {
	if err := (Actor{ID: " ", Role: RoleUser}).Validate(); !errors.Is(err, ErrMissingID) {
		t.Errorf("expected ErrMissingID, got %v", err)
	}
	if err := (Actor{ID: "a", Role: "x"}).Validate(); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
	if !(Actor{ID: "a", Role: RoleAdmin}).IsAdmin() {
		t.Error("expected IsAdmin")
	}
}
