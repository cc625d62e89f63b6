package models

import (
	"time"
)

// DownloadStatus tracks where an image sits in the scan pipeline.
type DownloadStatus string

const (
	// StatusPending means the image is waiting to be claimed by a worker
	StatusPending DownloadStatus = "pending"

	// StatusInProgress means a worker currently owns the image
	StatusInProgress DownloadStatus = "in_progress"

	// StatusSuccess means the image was pulled, scanned and ingested
	StatusSuccess DownloadStatus = "success"

	// StatusManifestUnknown means the registry reported a missing manifest
	StatusManifestUnknown DownloadStatus = "manifest_unknown"

	// StatusDownloadFailed means the pull failed for any other reason
	StatusDownloadFailed DownloadStatus = "download_failed"

	// StatusScanFailed means the pull succeeded but the scanner produced no report
	StatusScanFailed DownloadStatus = "scan_failed"
)

// IsTerminal reports whether no further automatic transition happens from s.
func (s DownloadStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusManifestUnknown, StatusDownloadFailed, StatusScanFailed:
		return true
	}
	return false
}

// Image represents one container image candidate (a job row).
// The table is seeded externally; this subsystem only mutates status fields,
// scan results and the numeric image ID.
type Image struct {
	ImageName        string         `json:"image_name" gorm:"primaryKey;size:255"`
	Publisher        string         `json:"publisher" gorm:"size:255"`
	ShortDescription string         `json:"short_description" gorm:"type:text"`
	PullCount        int64          `json:"pull_count" gorm:"index"`
	Scanned          bool           `json:"scanned" gorm:"default:false"`
	DownloadStatus   DownloadStatus `json:"download_status" gorm:"size:32;default:pending;index"`
	ImageSize        int64          `json:"image_size"`
	LastScanned      *time.Time     `json:"last_scanned"`

	// ImageID is assigned on the first successful ingest and referenced by
	// image_vulnerabilities and scan_metadata rows. NULL until then.
	ImageID *int64 `json:"image_id" gorm:"column:image_id;uniqueIndex"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for the Image model
func (Image) TableName() string {
	return "images"
}

// Vulnerability is a globally deduplicated CVE-like record. The first writer
// for a given vulnerability name wins; later severities are discarded.
type Vulnerability struct {
	VulnerabilityID   int64  `json:"vulnerability_id" gorm:"column:vulnerability_id;primaryKey;autoIncrement"`
	VulnerabilityName string `json:"vulnerability_name" gorm:"uniqueIndex;size:255"`
	Severity          string `json:"severity" gorm:"size:32"`
}

// TableName returns the table name for the Vulnerability model
func (Vulnerability) TableName() string {
	return "vulnerabilities"
}

// Package is a globally deduplicated (name, version) pair.
type Package struct {
	PackageID int64  `json:"package_id" gorm:"column:package_id;primaryKey;autoIncrement"`
	Name      string `json:"name" gorm:"size:255;uniqueIndex:idx_packages_name_version"`
	Version   string `json:"version" gorm:"size:128;uniqueIndex:idx_packages_name_version"`
}

// TableName returns the table name for the Package model
func (Package) TableName() string {
	return "packages"
}

// ImageVulnerability links an image to a vulnerable package at a fix state.
// Unique per (image, vulnerability, package); re-ingestion is a no-op.
type ImageVulnerability struct {
	ID              int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	ImageID         int64  `json:"image_id" gorm:"column:image_id;uniqueIndex:idx_image_vuln_pkg"`
	VulnerabilityID int64  `json:"vulnerability_id" gorm:"column:vulnerability_id;uniqueIndex:idx_image_vuln_pkg"`
	PackageID       int64  `json:"package_id" gorm:"column:package_id;uniqueIndex:idx_image_vuln_pkg"`
	FixState        string `json:"fix_state" gorm:"size:64"`
}

// TableName returns the table name for the ImageVulnerability model
func (ImageVulnerability) TableName() string {
	return "image_vulnerabilities"
}

// ScanMetadata holds the per-severity aggregate of one completed scan.
// Append-only: a re-scan inserts a new row, it never mutates an old one.
type ScanMetadata struct {
	ID                   int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	ImageID              int64     `json:"image_id" gorm:"column:image_id;index"`
	Timestamp            time.Time `json:"timestamp"`
	TotalVulnerabilities int       `json:"total_vulnerabilities"`
	CriticalCount        int       `json:"critical_count"`
	HighCount            int       `json:"high_count"`
	MediumCount          int       `json:"medium_count"`
	LowCount             int       `json:"low_count"`
	NegligibleCount      int       `json:"negligible_count"`
	UnknownCount         int       `json:"unknown_count"`
}

// TableName returns the table name for the ScanMetadata model
func (ScanMetadata) TableName() string {
	return "scan_metadata"
}

// AllModels lists every entity for migration registration.
func AllModels() []interface{} {
	return []interface{}{
		&Image{},
		&Vulnerability{},
		&Package{},
		&ImageVulnerability{},
		&ScanMetadata{},
	}
}
