package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wjbmattingly/vlamy/internal/orchestrator"
)

// HashPassword returns the bcrypt hash stored in users.password_hash.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(h), nil
}

// CheckPassword reports whether password matches u's stored hash.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// NewUser describes an account to create with CreateUser.
type NewUser struct {
	Username    string
	Email       string
	Password    string
	IsStaff     bool
	IsSuperuser bool
	Approved    bool
}

// EnsureAdmin creates the administrative superuser named by spec unless an
// account with that username already exists. The insert is a single
// conditional statement, so concurrent callers cannot create duplicates.
// It reports whether this call created the account.
func (s *Store) EnsureAdmin(ctx context.Context, spec orchestrator.AdminSpec) (bool, error) {
	hash, err := HashPassword(spec.Password)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	user := User{
		Username:           spec.Username,
		Email:              spec.Email,
		PasswordHash:       hash,
		IsActive:           true,
		IsStaff:            true,
		IsSuperuser:        true,
		MustChangePassword: spec.MustChangePassword,
		DateJoined:         now,
	}

	created := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "username"}},
			DoNothing: true,
		}).Create(&user)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true

		profile := UserProfile{
			UserID:              user.ID,
			IsApproved:          true,
			ApprovalRequestedAt: now,
			ApprovedAt:          &now,
		}
		return tx.Create(&profile).Error
	})
	if err != nil {
		return false, fmt.Errorf("provisioning admin %s: %w", spec.Username, err)
	}
	return created, nil
}

// CreateUser inserts an account and its profile. Unapproved accounts must
// be approved by an administrator before they can sign in.
func (s *Store) CreateUser(ctx context.Context, nu NewUser) (*User, error) {
	hash, err := HashPassword(nu.Password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := User{
		Username:     nu.Username,
		Email:        nu.Email,
		PasswordHash: hash,
		IsActive:     true,
		IsStaff:      nu.IsStaff,
		IsSuperuser:  nu.IsSuperuser,
		DateJoined:   now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		profile := UserProfile{UserID: user.ID, IsApproved: nu.Approved, ApprovalRequestedAt: now}
		if nu.Approved {
			profile.ApprovedAt = &now
		}
		return tx.Create(&profile).Error
	})
	if err != nil {
		return nil, fmt.Errorf("creating user %s: %w", nu.Username, err)
	}
	return &user, nil
}

// SetActive enables or disables an account.
func (s *Store) SetActive(ctx context.Context, userID uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("updating user %d: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UserByUsername looks up an account by its unique username.
func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if err != nil {
		return nil, notFound(err, "user %s", username)
	}
	return &u, nil
}

// UserByID looks up an account by primary key.
func (s *Store) UserByID(ctx context.Context, id uint) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err, "user %d", id)
	}
	return &u, nil
}

// ProfileForUser returns the approval profile of userID.
func (s *Store) ProfileForUser(ctx context.Context, userID uint) (*UserProfile, error) {
	var p UserProfile
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error; err != nil {
		return nil, notFound(err, "profile for user %d", userID)
	}
	return &p, nil
}

// CountUsers returns the number of accounts.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&User{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// TouchLastLogin records a successful sign-in.
func (s *Store) TouchLastLogin(ctx context.Context, userID uint) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("last_login", &now).Error
	if err != nil {
		return fmt.Errorf("updating last_login for user %d: %w", userID, err)
	}
	return nil
}

// TokenForUser returns the user's API token, creating it on first use.
func (s *Store) TokenForUser(ctx context.Context, userID uint) (*AuthToken, error) {
	key, err := newTokenKey()
	if err != nil {
		return nil, err
	}

	candidate := AuthToken{Key: key, UserID: userID, CreatedAt: time.Now().UTC()}
	var tok AuthToken
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(&candidate).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).First(&tok).Error
	})
	if err != nil {
		return nil, fmt.Errorf("issuing token for user %d: %w", userID, err)
	}
	return &tok, nil
}

// UserByToken resolves an API token to its owner.
func (s *Store) UserByToken(ctx context.Context, key string) (*User, error) {
	if key == "" {
		return nil, fmt.Errorf("token: %w", ErrNotFound)
	}
	var tok AuthToken
	// Struct conditions quote the column; KEY is reserved in MySQL.
	if err := s.db.WithContext(ctx).Where(&AuthToken{Key: key}).First(&tok).Error; err != nil {
		return nil, notFound(err, "token")
	}
	return s.UserByID(ctx, tok.UserID)
}

// DeleteToken revokes an API token. Deleting an unknown token is not an
// error.
func (s *Store) DeleteToken(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := s.db.WithContext(ctx).Where(&AuthToken{Key: key}).Delete(&AuthToken{}).Error; err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return nil
}

func newTokenKey() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return fmt.Errorf("loading %s: %w", fmt.Sprintf(format, args...), err)
}
