package folders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultFolderName is the name given to the folder every new user starts with.
const DefaultFolderName = "Default"

var (
	// ErrDefaultFolderExists reports a second default folder for the same user.
	ErrDefaultFolderExists = apperr.Conflict("default_folder_exists", "default folder already exists")

	errMissingTransaction = errors.New("folders: transaction handle is required")
	errMissingUserID      = errors.New("folders: user id is required")
)

// Folder groups a user's notes. IsDefault is set once at creation and is the only source of
// truth for defaultness; the name is never consulted.
type Folder struct {
	ID          string `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	UserID      string `gorm:"column:user_id;size:64;not null;uniqueIndex:idx_folders_user_name,priority:1" json:"user_id"`
	Name        string `gorm:"column:name;size:100;not null;uniqueIndex:idx_folders_user_name,priority:2" json:"name"`
	IsDefault   bool   `gorm:"column:is_default;not null;default:false" json:"is_default"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null" json:"created_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Folder) TableName() string {
	return "folders"
}

// IDProvider issues folder identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the folder collaborator dependencies.
type ServiceConfig struct {
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service provisions and removes folders on behalf of the identity ledger. It never opens its
// own transaction: callers pass theirs.
type Service struct {
	clock  func() time.Time
	ids    IDProvider
	logger *zap.Logger
}

// NewService constructs the folder collaborator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("folders: id provider is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{clock: clock, ids: cfg.IDProvider, logger: logger}, nil
}

// CreateDefaultFolder inserts the user's non-deletable, non-renamable default folder.
func (s *Service) CreateDefaultFolder(ctx context.Context, tx *gorm.DB, userID string) error {
	if tx == nil {
		return errMissingTransaction
	}
	if strings.TrimSpace(userID) == "" {
		return errMissingUserID
	}

	var count int64
	if err := tx.WithContext(ctx).Model(&Folder{}).
		Where("user_id = ? AND is_default = ?", userID, true).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDefaultFolderExists
	}

	folderID, err := s.ids.NewID()
	if err != nil {
		return err
	}
	folder := Folder{
		ID:          folderID,
		UserID:      userID,
		Name:        DefaultFolderName,
		IsDefault:   true,
		CreatedAtMs: s.clock().UTC().UnixMilli(),
	}
	if err := tx.WithContext(ctx).Create(&folder).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique") {
			return apperr.Wrap(apperr.KindConflict, ErrDefaultFolderExists.Code(), ErrDefaultFolderExists.Message(), err)
		}
		return err
	}
	s.logger.Debug("default folder created", zap.String("user_id", userID), zap.String("folder_id", folderID))
	return nil
}

// DeleteUserFolders removes every folder owned by the user.
func (s *Service) DeleteUserFolders(ctx context.Context, tx *gorm.DB, userID string) error {
	if tx == nil {
		return errMissingTransaction
	}
	return tx.WithContext(ctx).Where("user_id = ?", userID).Delete(&Folder{}).Error
}

// DefaultFolder returns the user's default folder.
func (s *Service) DefaultFolder(ctx context.Context, db *gorm.DB, userID string) (Folder, error) {
	var folder Folder
	err := db.WithContext(ctx).Where("user_id = ? AND is_default = ?", userID, true).Take(&folder).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Folder{}, apperr.NotFound("default_folder_not_found", "default folder not found")
	}
	return folder, err
}
