package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/dockerdetective/dockerdetective/internal/models"
)

var (
	ErrImageNotFound = errors.New("image not found in database")
)

// claimQueryPostgres claims the highest-priority pending image in a single
// statement. SKIP LOCKED makes concurrent claimers step over rows already
// locked by an in-flight claim instead of blocking behind them, so no two
// workers ever receive the same image.
const claimQueryPostgres = `
UPDATE images
SET download_status = 'in_progress'
WHERE image_name = (
	SELECT image_name FROM images
	WHERE scanned = false
	  AND download_status = 'pending'
	ORDER BY COALESCE(pull_count, 0) DESC, image_name ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING image_name`

// ImageRepository defines the interface for image job operations
type ImageRepository interface {
	// ClaimNext atomically selects the highest-priority pending image and
	// transitions it to in_progress. ok is false when no image is claimable.
	ClaimNext(ctx context.Context) (name string, ok bool, err error)

	// MarkTerminal records a terminal download status and flags the image as
	// processed so it is never claimed again.
	MarkTerminal(ctx context.Context, name string, status models.DownloadStatus) error

	Create(ctx context.Context, image *models.Image) error
	FindByName(ctx context.Context, name string) (*models.Image, error)
	CountByStatus(ctx context.Context, status models.DownloadStatus) (int64, error)
}

// GormImageRepository implements ImageRepository using GORM
type GormImageRepository struct {
	db *gorm.DB
}

// NewGormImageRepository creates a new GORM image repository
func NewGormImageRepository(db *gorm.DB) *GormImageRepository {
	return &GormImageRepository{db: db}
}

// ClaimNext claims the next pending image, highest pull count first.
func (r *GormImageRepository) ClaimNext(ctx context.Context) (string, bool, error) {
	if r.db.Dialector.Name() == "postgres" {
		return r.claimSkipLocked(ctx)
	}
	return r.claimCompareAndSwap(ctx)
}

// claimSkipLocked uses the native locking read on PostgreSQL.
func (r *GormImageRepository) claimSkipLocked(ctx context.Context) (string, bool, error) {
	var claimed struct {
		ImageName string
	}
	tx := r.db.WithContext(ctx).Raw(claimQueryPostgres).Scan(&claimed)
	if tx.Error != nil {
		return "", false, fmt.Errorf("failed to claim next image: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return "", false, nil
	}
	return claimed.ImageName, true, nil
}

// claimCompareAndSwap emulates the locking read on dialects without
// SKIP LOCKED: select a candidate, then transition it only if it is still
// pending. A lost race moves on to the next candidate.
func (r *GormImageRepository) claimCompareAndSwap(ctx context.Context) (string, bool, error) {
	for {
		var candidate models.Image
		err := r.db.WithContext(ctx).
			Where("scanned = ? AND download_status = ?", false, models.StatusPending).
			Order("pull_count DESC, image_name ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to select claim candidate: %w", err)
		}

		result := r.db.WithContext(ctx).Model(&models.Image{}).
			Where("image_name = ? AND download_status = ? AND scanned = ?",
				candidate.ImageName, models.StatusPending, false).
			Update("download_status", models.StatusInProgress)
		if result.Error != nil {
			return "", false, fmt.Errorf("failed to claim image %s: %w", candidate.ImageName, result.Error)
		}
		if result.RowsAffected == 1 {
			return candidate.ImageName, true, nil
		}
		// Another claimer won the candidate; try the next one.
	}
}

// MarkTerminal records a terminal status for an image.
func (r *GormImageRepository) MarkTerminal(ctx context.Context, name string, status models.DownloadStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	result := r.db.WithContext(ctx).Model(&models.Image{}).
		Where("image_name = ?", name).
		Updates(map[string]interface{}{
			"download_status": status,
			"scanned":         true,
			"last_scanned":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark image %s as %s: %w", name, status, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrImageNotFound
	}
	return nil
}

// Create adds a new image record to the database
func (r *GormImageRepository) Create(ctx context.Context, image *models.Image) error {
	if err := r.db.WithContext(ctx).Create(image).Error; err != nil {
		return fmt.Errorf("failed to create image record: %w", err)
	}
	return nil
}

// FindByName retrieves an image by its name
func (r *GormImageRepository) FindByName(ctx context.Context, name string) (*models.Image, error) {
	var image models.Image
	err := r.db.WithContext(ctx).Where("image_name = ?", name).First(&image).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("failed to find image by name: %w", err)
	}
	return &image, nil
}

// CountByStatus returns the number of images in the given download status
func (r *GormImageRepository) CountByStatus(ctx context.Context, status models.DownloadStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Image{}).
		Where("download_status = ?", status).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count images by status: %w", err)
	}
	return count, nil
}
