// Package seed copies the image catalog from a source database into the
// scan store.
package seed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dockerdetective/dockerdetective/internal/models"
)

// DefaultBatchSize is the number of rows copied per page when none is
// configured
const DefaultBatchSize = 100000

// insertBatchSize caps the rows per INSERT statement. A page holds far more
// rows than either SQLite or postgres allows bind variables for in one
// statement, so page writes are chunked.
const insertBatchSize = 500

// ErrNilDatabase indicates a missing source or target handle
var ErrNilDatabase = errors.New("seed copier requires source and target databases")

// sourceImage is the catalog row shape in the source database
type sourceImage struct {
	ImageName        string `gorm:"column:image_name"`
	Publisher        string `gorm:"column:publisher"`
	ShortDescription string `gorm:"column:short_description"`
	PullCount        int64  `gorm:"column:pull_count"`
}

func (sourceImage) TableName() string {
	return "images"
}

// Copier pages the image catalog out of a source database and inserts the
// rows as pending scan jobs.
type Copier struct {
	source    *gorm.DB
	target    *gorm.DB
	batchSize int
	logger    *logrus.Logger
}

// NewCopier creates a seed copier
func NewCopier(source, target *gorm.DB, batchSize int, logger *logrus.Logger) *Copier {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Copier{
		source:    source,
		target:    target,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Copy transfers the full catalog. Rows already present in the target get
// their catalog columns refreshed; status columns and scan results are never
// touched, so a rerun cannot reset scan progress. It returns the number of
// rows read from the source.
func (c *Copier) Copy(ctx context.Context) (int64, error) {
	if c.source == nil || c.target == nil {
		return 0, ErrNilDatabase
	}

	var total int64
	if err := c.source.WithContext(ctx).Model(&sourceImage{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("failed to count source images: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"total":      total,
		"batch_size": c.batchSize,
	}).Info("Starting catalog copy")

	start := time.Now()
	var copied int64

	for offset := 0; ; offset += c.batchSize {
		if err := ctx.Err(); err != nil {
			return copied, err
		}

		var page []sourceImage
		err := c.source.WithContext(ctx).
			Order("image_name ASC").
			Offset(offset).
			Limit(c.batchSize).
			Find(&page).Error
		if err != nil {
			return copied, fmt.Errorf("failed to read source page at offset %d: %w", offset, err)
		}
		if len(page) == 0 {
			break
		}

		rows := make([]models.Image, len(page))
		for i, src := range page {
			rows[i] = models.Image{
				ImageName:        src.ImageName,
				Publisher:        src.Publisher,
				ShortDescription: src.ShortDescription,
				PullCount:        src.PullCount,
				DownloadStatus:   models.StatusPending,
			}
		}

		err = c.target.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "image_name"}},
				DoUpdates: clause.AssignmentColumns([]string{"publisher", "short_description", "pull_count"}),
			}).
			CreateInBatches(&rows, insertBatchSize).Error
		if err != nil {
			return copied, fmt.Errorf("failed to insert page at offset %d: %w", offset, err)
		}

		copied += int64(len(page))
		elapsed := time.Since(start)
		var remaining time.Duration
		if copied > 0 && total > copied {
			remaining = time.Duration(float64(elapsed) / float64(copied) * float64(total-copied))
		}

		c.logger.WithFields(logrus.Fields{
			"copied":    copied,
			"total":     total,
			"elapsed":   elapsed.Round(time.Second).String(),
			"remaining": remaining.Round(time.Second).String(),
		}).Info("Copy progress")
	}

	c.logger.WithFields(logrus.Fields{
		"copied":   copied,
		"duration": time.Since(start).Round(time.Second).String(),
	}).Info("Catalog copy completed")

	return copied, nil
}
