package models

import (
	"encoding/json"
	"fmt"
)

// ScanReport is the structured output of a grype scan. Only the fields the
// ingestion path depends on are decoded; the rest of the report is ignored.
type ScanReport struct {
	Source  ReportSource  `json:"source"`
	Matches []ReportMatch `json:"matches"`
}

// ReportSource describes the scanned artifact.
type ReportSource struct {
	Target ReportTarget `json:"target"`
}

// ReportTarget carries artifact-level attributes such as its size.
type ReportTarget struct {
	ImageSize int64 `json:"imageSize"`
}

// ReportMatch is one vulnerable-package finding.
type ReportMatch struct {
	Vulnerability ReportVulnerability `json:"vulnerability"`
	Artifact      ReportArtifact      `json:"artifact"`
}

// ReportVulnerability identifies the vulnerability and its remediation state.
type ReportVulnerability struct {
	ID       string    `json:"id"`
	Severity string    `json:"severity"`
	Fix      ReportFix `json:"fix"`
}

// ReportFix is the scanner-reported fix availability.
type ReportFix struct {
	State    string   `json:"state"`
	Versions []string `json:"versions"`
}

// ReportArtifact identifies the package a match was found in.
type ReportArtifact struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ParseScanReport decodes raw scanner output into a ScanReport.
func ParseScanReport(data []byte) (*ScanReport, error) {
	var report ScanReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse scan report: %w", err)
	}
	return &report, nil
}

// SeverityCounts tallies matches per severity label. Every match counts toward
// the total; labels outside the known buckets count toward the total only.
type SeverityCounts struct {
	Critical   int
	High       int
	Medium     int
	Low        int
	Negligible int
	Unknown    int
	Total      int
}

// CountSeverities computes the per-severity tally over a report's match list.
func CountSeverities(matches []ReportMatch) SeverityCounts {
	var counts SeverityCounts
	for _, match := range matches {
		switch match.Vulnerability.Severity {
		case "Critical":
			counts.Critical++
		case "High":
			counts.High++
		case "Medium":
			counts.Medium++
		case "Low":
			counts.Low++
		case "Negligible":
			counts.Negligible++
		case "Unknown":
			counts.Unknown++
		}
		counts.Total++
	}
	return counts
}
