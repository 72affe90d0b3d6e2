package authstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type authCredential struct {
	SessionID string `gorm:"primaryKey;size:128"`
	Blob      []byte `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (authCredential) TableName() string { return "auth_credentials" }

type authKey struct {
	SessionID string `gorm:"primaryKey;size:128"`
	KeyType   string `gorm:"primaryKey;column:key_type"`
	KeyID     string `gorm:"primaryKey;column:key_id"`
	Value     []byte `gorm:"not null"`
	UpdatedAt time.Time
}

func (authKey) TableName() string { return "auth_keys" }

// SQLiteBackend stores auth state in a single SQLite file through gorm.
// Use ":memory:" as path for an ephemeral database.
type SQLiteBackend struct {
	db *gorm.DB
}

// NewSQLiteBackend opens (and migrates) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New("authstate: empty sqlite path")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	// One writer connection; also keeps a ":memory:" database alive across calls.
	sqlDB.SetMaxOpenConns(1)
	if path != ":memory:" {
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := db.AutoMigrate(&authCredential{}, &authKey{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) HasCredentials(ctx context.Context, sessionID string) (bool, error) {
	var count int64
	err := b.db.WithContext(ctx).Model(&authCredential{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error
	return count > 0, err
}

func (b *SQLiteBackend) ReadCredentials(ctx context.Context, sessionID string) ([]byte, error) {
	var row authCredential
	err := b.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.Blob, nil
}

func (b *SQLiteBackend) WriteCredentials(ctx context.Context, sessionID string, blob []byte) error {
	row := authCredential{SessionID: sessionID, Blob: blob}
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"blob", "updated_at"}),
	}).Create(&row).Error
}

func (b *SQLiteBackend) ReadKeys(ctx context.Context, sessionID string, typ KeyType, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var rows []authKey
	err := b.db.WithContext(ctx).
		Where("session_id = ? AND key_type = ? AND key_id IN ?", sessionID, string(typ), ids).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.KeyID] = r.Value
	}
	return out, nil
}

func (b *SQLiteBackend) WriteKeys(ctx context.Context, sessionID string, writes []KeyWrite) error {
	if len(writes) == 0 {
		return nil
	}
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, w := range writes {
			if w.Delete() {
				if err := tx.Where("session_id = ? AND key_type = ? AND key_id = ?", sessionID, string(w.Type), w.ID).
					Delete(&authKey{}).Error; err != nil {
					return err
				}
				continue
			}
			row := authKey{SessionID: sessionID, KeyType: string(w.Type), KeyID: w.ID, Value: w.Value}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "session_id"}, {Name: "key_type"}, {Name: "key_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *SQLiteBackend) DeleteSession(ctx context.Context, sessionID string) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&authKey{}).Error; err != nil {
			return err
		}
		return tx.Where("session_id = ?", sessionID).Delete(&authCredential{}).Error
	})
}

func (b *SQLiteBackend) ListSessionIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.db.WithContext(ctx).Model(&authCredential{}).
		Order("session_id").
		Pluck("session_id", &ids).Error
	return ids, err
}

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (b *SQLiteBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
