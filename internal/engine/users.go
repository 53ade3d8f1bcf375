package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"orderline/internal/domain"
	"orderline/internal/repo"
)

// UserRegisterOptions are parameters for creating an account.
type UserRegisterOptions struct {
	Name           string
	Phone          string
	Password       string
	AvatarURL      string
	DormitoryArea  string
	BuildingNumber string
}

func (e Engine) RegisterUser(ctx context.Context, opts UserRegisterOptions) (domain.User, error) {
	if opts.Name == "" {
		return domain.User{}, ValidationError{Field: "name", Reason: "required"}
	}
	if opts.Phone == "" {
		return domain.User{}, ValidationError{Field: "phone", Reason: "required"}
	}
	if len(opts.Password) < 6 {
		return domain.User{}, ValidationError{Field: "password", Reason: "must be at least 6 characters"}
	}
	if _, err := e.Repo.GetUserByPhone(ctx, opts.Phone); err == nil {
		return domain.User{}, ValidationError{Field: "phone", Reason: "already registered"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	u := domain.User{
		ID:             uuid.NewString(),
		Name:           opts.Name,
		Phone:          opts.Phone,
		PasswordHash:   repo.HashPassword(opts.Password),
		AvatarURL:      opts.AvatarURL,
		DormitoryArea:  opts.DormitoryArea,
		BuildingNumber: opts.BuildingNumber,
		Rating:         5.0,
		CreatedAt:      e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// Login verifies the phone/password pair.
func (e Engine) Login(ctx context.Context, phone, password string) (domain.User, error) {
	u, err := e.Repo.GetUserByPhone(ctx, phone)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, AuthenticationError{Reason: "unknown phone or wrong password"}
	}
	if err != nil {
		return domain.User{}, err
	}
	if u.PasswordHash != repo.HashPassword(password) {
		return domain.User{}, AuthenticationError{Reason: "unknown phone or wrong password"}
	}
	return u, nil
}

// VerifyIdentity confirms the identity behind a credential still exists.
// Used by the realtime handshake after the token itself checks out.
func (e Engine) VerifyIdentity(ctx context.Context, userID string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, AuthenticationError{Reason: "user no longer exists"}
	}
	return u, err
}
