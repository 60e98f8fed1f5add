package action

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"testing"

	xerrors "TaskWarden/internal/errors"
)

type nopHandler struct{}

func (nopHandler) Execute(context.Context, map[string]any) (*Result, error) {
	return &Result{Action: "nop", Reference: "ref"}, nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(&Definition{Name: "nop", Handler: nopHandler{}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(&Definition{Name: "nop", Handler: nopHandler{}}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := reg.Register(&Definition{Name: "broken"}); err == nil {
		t.Fatal("expected registration without handler to fail")
	}

	if _, ok := reg.Lookup("nop"); !ok {
		t.Fatal("expected nop to be registered")
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Fatal("did not expect missing action to resolve")
	}

	required, known := reg.RequiresApproval("nop")
	if !known || required {
		t.Fatalf("unexpected approval flags: required=%v known=%v", required, known)
	}
	if _, known := reg.RequiresApproval("missing"); known {
		t.Fatal("missing action reported as known")
	}
}

func TestPolicyOverridesRegistry(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&Definition{Name: "send_email", AlwaysRequiresApproval: true, Handler: nopHandler{}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(&Definition{Name: "nop", Handler: nopHandler{}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := []byte("defaults:\n  alwaysRequiresApproval: true\nactions:\n  nop:\n    alwaysRequiresApproval: false\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	policy.Apply(reg)

	if required, _ := reg.RequiresApproval("send_email"); !required {
		t.Fatal("expected send_email to keep requiring approval")
	}
	if required, _ := reg.RequiresApproval("nop"); required {
		t.Fatal("expected nop override to disable approval")
	}
}

func TestValidateEmailPayload(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"to": "a@b.com", "subject": "S", "body": "B"}, false},
		{"bad address", map[string]any{"to": "not-an-email", "subject": "S", "body": "B"}, true},
		{"missing to", map[string]any{"subject": "S", "body": "B"}, true},
		{"missing subject", map[string]any{"to": "a@b.com", "body": "B"}, true},
		{"missing body", map[string]any{"to": "a@b.com", "subject": "S"}, true},
		{"bad from", map[string]any{"to": "a@b.com", "subject": "S", "body": "B", "from": "nope"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEmailPayload(tc.payload)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if xerrors.CodeOf(err) != CodeValidation {
					t.Fatalf("unexpected error code: %s", xerrors.CodeOf(err))
				}
				if xerrors.RetryableError(err) {
					t.Fatal("validation errors must not be retryable")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEmailHandlerSimulatedMode(t *testing.T) {
	handler, err := NewEmailHandler(EmailConfig{From: "warden@example.com"})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	result, err := handler.Execute(context.Background(), map[string]any{
		"to": "a@b.com", "subject": "S", "body": "B",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Simulated {
		t.Fatal("expected simulated result without credentials")
	}
	if result.Reference == "" {
		t.Fatal("expected a delivery reference")
	}
}

func TestUnknownActionCodeIsFatal(t *testing.T) {
	err := xerrors.New(CodeUnknownAction, "")
	if xerrors.RetryableError(err) {
		t.Fatal("unknown action must not be retryable")
	}
	if !xerrors.ShouldAlert(err) {
		t.Fatal("unknown action must alert")
	}
	var typed *xerrors.Error
	if !stdErrors.As(err, &typed) {
		t.Fatal("expected typed error")
	}
}
