package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"collabCore/internal/collab"
	"collabCore/internal/ot"
)

type documentRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	Title       string `gorm:"size:255;index"`
	OwnerID     uint64 `gorm:"index"`
	Content     string `gorm:"type:longtext"`
	Spans       []byte `gorm:"type:json"`
	Version     uint64
	Permissions []byte `gorm:"type:json"`
	IsLocked    bool
	LockedBy    uint64
}

func (documentRecord) TableName() string { return "documents" }

// DocumentStore persists canonical document state through gorm. It is the
// write-through target of the transform engine; the compare-and-set in
// UpdateState keeps persisted versions gapless.
type DocumentStore struct {
	db *gorm.DB
}

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

var _ collab.DocumentStore = (*DocumentStore)(nil)

func (s *DocumentStore) Get(ctx context.Context, docID string) (*ot.Document, error) {
	var rec documentRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", docID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, collab.ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	doc := &ot.Document{
		ID:       rec.ID,
		Title:    rec.Title,
		OwnerID:  rec.OwnerID,
		Content:  rec.Content,
		Version:  rec.Version,
		IsLocked: rec.IsLocked,
		LockedBy: rec.LockedBy,
	}
	if len(rec.Spans) > 0 {
		if err := json.Unmarshal(rec.Spans, &doc.Spans); err != nil {
			return nil, fmt.Errorf("decode spans for %s: %w", docID, err)
		}
	}
	if len(rec.Permissions) > 0 {
		if err := json.Unmarshal(rec.Permissions, &doc.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions for %s: %w", docID, err)
		}
	}
	return doc, nil
}

func (s *DocumentStore) Create(ctx context.Context, doc *ot.Document) error {
	spans, err := json.Marshal(doc.Spans)
	if err != nil {
		return err
	}
	perms, err := json.Marshal(doc.Permissions)
	if err != nil {
		return err
	}
	rec := documentRecord{
		ID:          doc.ID,
		Title:       doc.Title,
		OwnerID:     doc.OwnerID,
		Content:     doc.Content,
		Spans:       spans,
		Version:     doc.Version,
		Permissions: perms,
		IsLocked:    doc.IsLocked,
		LockedBy:    doc.LockedBy,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

func (s *DocumentStore) UpdateState(ctx context.Context, docID string, content string, spans []ot.Span, newVersion uint64) error {
	raw, err := json.Marshal(spans)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&documentRecord{}).
		Where("id = ? AND version = ?", docID, newVersion-1).
		Updates(map[string]any{"content": content, "spans": raw, "version": newVersion})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("version conflict persisting %s at v%d", docID, newVersion)
	}
	return nil
}

func (s *DocumentStore) SetLock(ctx context.Context, docID string, locked bool, lockedBy uint64) error {
	return s.db.WithContext(ctx).Model(&documentRecord{}).
		Where("id = ?", docID).
		Updates(map[string]any{"is_locked": locked, "locked_by": lockedBy}).Error
}

func (s *DocumentStore) SetPermissions(ctx context.Context, docID string, perms ot.Permissions) error {
	raw, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&documentRecord{}).
		Where("id = ?", docID).
		Update("permissions", raw).Error
}
