package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dockerdetective/dockerdetective/internal/models"
)

var (
	ErrNilReport = errors.New("scan report is nil")
)

// ResultRepository persists a parsed scan report for one image.
type ResultRepository interface {
	// Ingest commits the report's findings in a single transaction: the image
	// row update, the deduplicated vulnerability/package upserts, the join
	// rows and one ScanMetadata row all land together or not at all.
	Ingest(ctx context.Context, report *models.ScanReport, imageName string) error
}

// GormResultRepository implements ResultRepository using GORM
type GormResultRepository struct {
	db *gorm.DB
}

// NewGormResultRepository creates a new GORM result repository
func NewGormResultRepository(db *gorm.DB) *GormResultRepository {
	return &GormResultRepository{db: db}
}

// packageKey identifies a package by its natural (name, version) identity.
type packageKey struct {
	Name    string
	Version string
}

// Ingest writes all entities extracted from the report atomically.
func (r *GormResultRepository) Ingest(ctx context.Context, report *models.ScanReport, imageName string) error {
	if report == nil {
		return ErrNilReport
	}

	now := time.Now()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var image models.Image
		if err := tx.Where("image_name = ?", imageName).First(&image).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrImageNotFound, imageName)
			}
			return fmt.Errorf("failed to load image row: %w", err)
		}

		imageID, err := ensureImageID(tx, &image)
		if err != nil {
			return err
		}

		if err := tx.Model(&models.Image{}).
			Where("image_name = ?", imageName).
			Updates(map[string]interface{}{
				"image_size":      report.Source.Target.ImageSize,
				"scanned":         true,
				"last_scanned":    now,
				"download_status": models.StatusSuccess,
				"image_id":        imageID,
			}).Error; err != nil {
			return fmt.Errorf("failed to update image row: %w", err)
		}

		vulns, packages := collectEntities(report.Matches)

		// First writer wins: conflicting rows keep their original severity
		// and version data.
		if len(vulns) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "vulnerability_name"}},
				DoNothing: true,
			}).Create(&vulns).Error; err != nil {
				return fmt.Errorf("failed to upsert vulnerabilities: %w", err)
			}
		}
		if len(packages) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}, {Name: "version"}},
				DoNothing: true,
			}).Create(&packages).Error; err != nil {
				return fmt.Errorf("failed to upsert packages: %w", err)
			}
		}

		vulnIDs, err := lookupVulnerabilityIDs(tx, vulns)
		if err != nil {
			return err
		}
		packageIDs, err := lookupPackageIDs(tx, packages)
		if err != nil {
			return err
		}

		joins, err := buildJoinRows(imageID, report.Matches, vulnIDs, packageIDs)
		if err != nil {
			return err
		}
		if len(joins) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "image_id"}, {Name: "vulnerability_id"}, {Name: "package_id"}},
				DoNothing: true,
			}).Create(&joins).Error; err != nil {
				return fmt.Errorf("failed to upsert image vulnerabilities: %w", err)
			}
		}

		counts := models.CountSeverities(report.Matches)
		metadata := models.ScanMetadata{
			ImageID:              imageID,
			Timestamp:            now,
			TotalVulnerabilities: counts.Total,
			CriticalCount:        counts.Critical,
			HighCount:            counts.High,
			MediumCount:          counts.Medium,
			LowCount:             counts.Low,
			NegligibleCount:      counts.Negligible,
			UnknownCount:         counts.Unknown,
		}
		if err := tx.Create(&metadata).Error; err != nil {
			return fmt.Errorf("failed to insert scan metadata: %w", err)
		}

		return nil
	})
}

// ensureImageID returns the image's numeric identifier, assigning the next
// free one on the first successful scan. The unique index on image_id
// backstops the rare race between two first-time ingests.
func ensureImageID(tx *gorm.DB, image *models.Image) (int64, error) {
	if image.ImageID != nil {
		return *image.ImageID, nil
	}

	var maxID int64
	if err := tx.Model(&models.Image{}).
		Select("COALESCE(MAX(image_id), 0)").
		Scan(&maxID).Error; err != nil {
		return 0, fmt.Errorf("failed to determine next image id: %w", err)
	}
	return maxID + 1, nil
}

// collectEntities extracts the distinct vulnerabilities and packages
// referenced by the match list, preserving first-seen order.
func collectEntities(matches []models.ReportMatch) ([]models.Vulnerability, []models.Package) {
	var (
		vulns    []models.Vulnerability
		packages []models.Package
		seenVuln = make(map[string]bool)
		seenPkg  = make(map[packageKey]bool)
	)

	for _, match := range matches {
		if name := match.Vulnerability.ID; name != "" && !seenVuln[name] {
			seenVuln[name] = true
			vulns = append(vulns, models.Vulnerability{
				VulnerabilityName: name,
				Severity:          match.Vulnerability.Severity,
			})
		}
		key := packageKey{Name: match.Artifact.Name, Version: match.Artifact.Version}
		if key.Name != "" && !seenPkg[key] {
			seenPkg[key] = true
			packages = append(packages, models.Package{
				Name:    key.Name,
				Version: key.Version,
			})
		}
	}

	return vulns, packages
}

// lookupVulnerabilityIDs resolves generated ids for the given vulnerability
// names, including rows that predate this ingestion.
func lookupVulnerabilityIDs(tx *gorm.DB, vulns []models.Vulnerability) (map[string]int64, error) {
	ids := make(map[string]int64, len(vulns))
	if len(vulns) == 0 {
		return ids, nil
	}

	names := make([]string, 0, len(vulns))
	for _, v := range vulns {
		names = append(names, v.VulnerabilityName)
	}

	var rows []models.Vulnerability
	if err := tx.Where("vulnerability_name IN ?", names).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve vulnerability ids: %w", err)
	}
	for _, row := range rows {
		ids[row.VulnerabilityName] = row.VulnerabilityID
	}
	return ids, nil
}

// lookupPackageIDs resolves generated ids for the given (name, version) pairs.
func lookupPackageIDs(tx *gorm.DB, packages []models.Package) (map[packageKey]int64, error) {
	ids := make(map[packageKey]int64, len(packages))
	if len(packages) == 0 {
		return ids, nil
	}

	names := make([]string, 0, len(packages))
	for _, p := range packages {
		names = append(names, p.Name)
	}

	var rows []models.Package
	if err := tx.Where("name IN ?", names).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve package ids: %w", err)
	}
	for _, row := range rows {
		ids[packageKey{Name: row.Name, Version: row.Version}] = row.PackageID
	}
	return ids, nil
}

// buildJoinRows maps each match onto its (image, vulnerability, package)
// triple, deduplicating triples that repeat within one report.
func buildJoinRows(imageID int64, matches []models.ReportMatch, vulnIDs map[string]int64, packageIDs map[packageKey]int64) ([]models.ImageVulnerability, error) {
	type joinKey struct {
		VulnerabilityID int64
		PackageID       int64
	}

	var joins []models.ImageVulnerability
	seen := make(map[joinKey]bool)

	for _, match := range matches {
		if match.Vulnerability.ID == "" || match.Artifact.Name == "" {
			continue
		}
		vulnID, ok := vulnIDs[match.Vulnerability.ID]
		if !ok {
			return nil, fmt.Errorf("vulnerability %s missing after upsert", match.Vulnerability.ID)
		}
		pkgID, ok := packageIDs[packageKey{Name: match.Artifact.Name, Version: match.Artifact.Version}]
		if !ok {
			return nil, fmt.Errorf("package %s@%s missing after upsert", match.Artifact.Name, match.Artifact.Version)
		}

		key := joinKey{VulnerabilityID: vulnID, PackageID: pkgID}
		if seen[key] {
			continue
		}
		seen[key] = true

		joins = append(joins, models.ImageVulnerability{
			ImageID:         imageID,
			VulnerabilityID: vulnID,
			PackageID:       pkgID,
			FixState:        match.Vulnerability.Fix.State,
		})
	}

	return joins, nil
}
