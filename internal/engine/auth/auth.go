package auth

import (
	"context"
	"fmt"
	"slices"

	"annexe/internal/apperrors"
	"annexe/internal/repo"
)

// DefaultAdminRole is used when no admin role is configured.
const DefaultAdminRole = "admin"

// Actor is the authenticated caller.
type Actor struct {
	ID    string
	Roles []string
}

// HasRole reports whether the actor carries role.
func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// ForbiddenError indicates the actor may not act on a character.
type ForbiddenError struct {
	ActorID     string
	CharacterID int64
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s does not own character %d", e.ActorID, e.CharacterID)
}

// Service provides ownership checks backed by the store.
type Service struct {
	Repo      repo.Repo
	AdminRole string
}

func (s Service) adminRole() string {
	if s.AdminRole != "" {
		return s.AdminRole
	}
	return DefaultAdminRole
}

// IsAdmin reports whether the actor holds the admin role.
func (s Service) IsAdmin(a Actor) bool {
	return a.HasRole(s.adminRole())
}

// RequireAdmin fails with FORBIDDEN(admin-only) unless the actor is an admin.
func (s Service) RequireAdmin(a Actor) error {
	if a.ID == "" {
		return apperrors.Forbidden(apperrors.ReasonAdminOnly, "actor required")
	}
	if !s.IsAdmin(a) {
		return apperrors.Forbidden(apperrors.ReasonAdminOnly, fmt.Sprintf("role %s required", s.adminRole()))
	}
	return nil
}

// RequireOwner fails with FORBIDDEN(not-owner) unless the actor owns the
// character or is an admin.
func (s Service) RequireOwner(ctx context.Context, a Actor, characterID int64) error {
	if s.IsAdmin(a) {
		return nil
	}
	if a.ID == "" {
		return apperrors.Forbidden(apperrors.ReasonNotOwner, "actor required")
	}
	ok, err := s.Repo.IsCharacterOwner(ctx, characterID, a.ID)
	if err != nil {
		return apperrors.Store("check character owner", err)
	}
	if !ok {
		cause := ForbiddenError{ActorID: a.ID, CharacterID: characterID}
		return &apperrors.Error{
			Code:     apperrors.CodeForbidden,
			Message:  cause.Error(),
			Metadata: map[string]string{"reason": apperrors.ReasonNotOwner},
			Cause:    cause,
		}
	}
	return nil
}
