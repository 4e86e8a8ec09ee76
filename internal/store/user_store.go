package store

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type userRecord struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"size:64;uniqueIndex"`
	PasswordHash string `gorm:"size:128"`
}

func (userRecord) TableName() string { return "users" }

var ErrInvalidCredentials = errors.New("INVALID_CREDENTIALS")

// UserStore is the identity boundary: it supplies authenticated user IDs and
// display names to the collaboration core.
type UserStore struct{ db *gorm.DB }

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) CreateUser(ctx context.Context, username, password string) (uint64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}
	rec := userRecord{Username: username, PasswordHash: string(hash)}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// Authenticate checks the password and returns the user ID.
func (s *UserStore) Authenticate(ctx context.Context, username, password string) (uint64, error) {
	var rec userRecord
	err := s.db.WithContext(ctx).First(&rec, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrInvalidCredentials
	}
	if err != nil {
		return 0, err
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
		return 0, ErrInvalidCredentials
	}
	return rec.ID, nil
}

func (s *UserStore) GetUserID(ctx context.Context, username string) (uint64, error) {
	var rec userRecord
	err := s.db.WithContext(ctx).First(&rec, "username = ?", username).Error
	if err != nil {
		return 0, err
	}
	return rec.ID, nil
}
