package social

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/suPer8Hu/chatmate/internal/common"
	"github.com/suPer8Hu/chatmate/internal/models"
	"gorm.io/gorm"
)

type ProfileUpdate struct {
	Username string
	Name     string
	Bio      string
	Gender   string
}

// generate a 11 digit random username
func randomUsername11() (string, error) {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, 11)
	for i := 0; i < 11; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			return "", err
		}
		out[i] = letters[n.Int64()]
	}
	return string(out), nil
}

// RegisterUser creates the profile row for a freshly signed-up identity. An
// empty username gets a random one.
func (s *Service) RegisterUser(ctx context.Context, email, passwordHash, username string) (*models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || passwordHash == "" {
		return nil, fmt.Errorf("%w: email and password required", common.ErrInvalidArgument)
	}

	explicit := strings.TrimSpace(username) != ""
	if explicit {
		var err error
		if username, err = normalizeUsername(username); err != nil {
			return nil, err
		}
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	s.usernameMu.Lock()
	defer s.usernameMu.Unlock()

	user := &models.User{
		ID:           id,
		Email:        email,
		PasswordHash: passwordHash,
		Gender:       models.GenderUnspecified,
	}
	err = s.withRetry(ctx, "register user", func() error {
		return s.repo.Transaction(ctx, func(tx *Repo) error {
			if _, err := tx.GetUserByEmail(ctx, email); err == nil {
				return fmt.Errorf("%w: email already registered", common.ErrConflict)
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			name, err := allocateUsername(ctx, tx, username, explicit)
			if err != nil {
				return err
			}
			user.Username = name
			return tx.CreateUser(ctx, user)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("register user: %w", err)
	}
	return user, nil
}

func allocateUsername(ctx context.Context, tx *Repo, username string, explicit bool) (string, error) {
	if explicit {
		cnt, err := tx.CountUsername(ctx, username, "")
		if err != nil {
			return "", err
		}
		if cnt > 0 {
			return "", fmt.Errorf("%w: username already taken", common.ErrConflict)
		}
		return username, nil
	}
	for i := 0; i < 5; i++ {
		u, err := randomUsername11()
		if err != nil {
			return "", err
		}
		cnt, err := tx.CountUsername(ctx, u, "")
		if err != nil {
			return "", err
		}
		if cnt == 0 {
			return u, nil
		}
	}
	return "", fmt.Errorf("%w: failed to allocate username", common.ErrConflict)
}

func (s *Service) GetProfile(ctx context.Context, userID string) (*models.User, error) {
	var u *models.User
	err := s.withRetry(ctx, "get profile", func() error {
		var err error
		u, err = s.repo.GetUser(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u *models.User
	err := s.withRetry(ctx, "find user", func() error {
		var err error
		u, err = s.repo.GetUserByEmail(ctx, strings.TrimSpace(email))
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UpdateProfile writes the profile fields. The username uniqueness check is
// repeated inside the write transaction right before commit, so a check made
// earlier by the client never counts as a reservation.
func (s *Service) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (*models.User, error) {
	username, err := normalizeUsername(upd.Username)
	if err != nil {
		return nil, err
	}
	gender, err := models.ParseGender(upd.Gender)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
	}

	s.usernameMu.Lock()
	defer s.usernameMu.Unlock()

	var updated *models.User
	err = s.withRetry(ctx, "update profile", func() error {
		return s.repo.Transaction(ctx, func(tx *Repo) error {
			u, err := tx.GetUser(ctx, userID)
			if err != nil {
				return err
			}
			cnt, err := tx.CountUsername(ctx, username, userID)
			if err != nil {
				return err
			}
			if cnt > 0 {
				return fmt.Errorf("%w: username already taken", common.ErrConflict)
			}

			oldName := u.DisplayName()
			u.Username = username
			u.Name = strings.TrimSpace(upd.Name)
			u.Bio = upd.Bio
			u.Gender = gender
			if err := tx.UpdateProfile(ctx, u); err != nil {
				return err
			}
			if u.DisplayName() != oldName {
				if err := tx.RefreshFriendName(ctx, u.ID, u.DisplayName()); err != nil {
					return err
				}
			}
			updated = u
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return updated, nil
}
