package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = errors.New("permission denied")
)

// Subject identifies an authenticated API caller.
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// TokenEntry pairs a static bearer token with the subject it authenticates.
type TokenEntry struct {
	Token       string
	Name        string
	Permissions []string
}

// Guard authenticates requests against a static token table loaded at
// startup. An empty table disables authentication entirely.
type Guard struct {
	subjects map[string]*Subject
}

// NewGuard builds a Guard from the configured token entries.
func NewGuard(entries []TokenEntry) *Guard {
	if len(entries) == 0 {
		return &Guard{}
	}
	subjects := make(map[string]*Subject, len(entries))
	for _, entry := range entries {
		token := strings.TrimSpace(entry.Token)
		if token == "" {
			continue
		}
		subject := &Subject{
			Name:        entry.Name,
			Permissions: append([]string(nil), entry.Permissions...),
		}
		subject.normalise()
		subjects[token] = subject
	}
	return &Guard{subjects: subjects}
}

// Enabled reports whether the guard enforces authentication.
func (g *Guard) Enabled() bool {
	return g != nil && len(g.subjects) > 0
}

// Authenticate resolves the Authorization header into a subject.
func (g *Guard) Authenticate(header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, ErrInvalidToken
	}
	subject, ok := g.subjects[strings.TrimSpace(parts[1])]
	if !ok {
		return nil, ErrInvalidToken
	}
	return subject, nil
}

type subjectKey struct{}

// WithSubject stores the authenticated subject on the context.
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext extracts the authenticated subject, if any.
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	if subject, ok := ctx.Value(subjectKey{}).(*Subject); ok {
		subject.normalise()
		return subject
	}
	return nil
}
