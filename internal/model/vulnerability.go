package model

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// ParseSeverity maps remote severity labels onto the four tracked levels.
// "error" and "warning" are the levels code scanning uses for non-security rules.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical, nil
	case "high", "error":
		return SeverityHigh, nil
	case "medium", "moderate", "warning":
		return SeverityMedium, nil
	case "low", "note":
		return SeverityLow, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

type VulnerabilityStatus string

const (
	VulnerabilityOpen     VulnerabilityStatus = "open"
	VulnerabilityResolved VulnerabilityStatus = "resolved"
)

type VulnerabilityRecord struct {
	ID              uint                `json:"id" gorm:"primaryKey"`
	RepositoryID    int64               `json:"repository_id" gorm:"column:repository_id;uniqueIndex:idx_finding_key,priority:1;not null"`
	FindingID       string              `json:"finding_id" gorm:"column:finding_id;type:varchar(64);uniqueIndex:idx_finding_key,priority:2;not null"`
	RuleID          string              `json:"rule_id" gorm:"column:rule_id;type:varchar(255)"`
	Severity        Severity            `json:"severity" gorm:"column:severity;type:varchar(16);index"`
	Status          VulnerabilityStatus `json:"status" gorm:"column:status;type:varchar(16);index"`
	Tool            string              `json:"tool" gorm:"column:tool;type:varchar(128)"`
	Description     string              `json:"description" gorm:"column:description;type:text"`
	RemoteUpdatedAt time.Time           `json:"remote_updated_at" gorm:"column:remote_updated_at"`
	FixedAt         *time.Time          `json:"fixed_at" gorm:"column:fixed_at"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func (v *VulnerabilityRecord) TableName() string {
	return "vulnerability_records"
}

// OpenCountsBySeverity counts open findings of a repository per severity.
// Every severity is present in the result, zero when absent.
func (s *EntityStore) OpenCountsBySeverity(ctx context.Context, repositoryID int64) (map[Severity]int, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Severity Severity
		N        int
	}
	err = gdb.Model(&VulnerabilityRecord{}).
		Select("severity, COUNT(*) AS n").
		Where("repository_id = ? AND status = ?", repositoryID, VulnerabilityOpen).
		Group("severity").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[Severity]int, len(Severities))
	for _, sev := range Severities {
		counts[sev] = 0
	}
	for _, r := range rows {
		counts[r.Severity] += r.N
	}
	return counts, nil
}
