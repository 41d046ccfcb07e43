package store

import "time"

// SchemaMigration records one applied migration.
type SchemaMigration struct {
	Version     string    `gorm:"primaryKey;size:64"`
	Description string    `gorm:"size:255"`
	AppliedAt   time.Time `gorm:"not null"`
}

// User is an account able to sign in to the application in full mode.
type User struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	Username           string     `gorm:"size:150;not null;uniqueIndex" json:"username"`
	Email              string     `gorm:"size:254" json:"email"`
	PasswordHash       string     `gorm:"size:255;not null" json:"-"`
	IsActive           bool       `gorm:"not null" json:"is_active"`
	IsStaff            bool       `gorm:"not null" json:"is_staff"`
	IsSuperuser        bool       `gorm:"not null" json:"is_superuser"`
	MustChangePassword bool       `gorm:"not null" json:"must_change_password"`
	DateJoined         time.Time  `gorm:"not null" json:"date_joined"`
	LastLogin          *time.Time `json:"last_login,omitempty"`
}

// UserProfile carries the approval state of a User. Superusers are
// provisioned approved; other accounts wait for an administrator.
type UserProfile struct {
	ID                  uint       `gorm:"primaryKey" json:"-"`
	UserID              uint       `gorm:"not null;uniqueIndex" json:"user_id"`
	IsApproved          bool       `gorm:"not null" json:"is_approved"`
	ApprovalRequestedAt time.Time  `gorm:"not null" json:"approval_requested_at"`
	ApprovedAt          *time.Time `json:"approved_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// AuthToken is the API token issued on login. One token per user.
type AuthToken struct {
	Key       string    `gorm:"primaryKey;size:40"`
	UserID    uint      `gorm:"not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"not null"`
}
