package domain

import "time"

type ReportStatus string

const (
	ReportStatusGenerating ReportStatus = "generating"
	ReportStatusComplete   ReportStatus = "complete"
	ReportStatusFailed     ReportStatus = "failed"
)

func (s ReportStatus) Terminal() bool {
	return s == ReportStatusComplete || s == ReportStatusFailed
}

type Language string

const (
	LanguageEnglish Language = "en"
	LanguageHindi   Language = "hi"
)

// Report is the incrementally updated artifact a generation job produces.
// Content only grows while Status is generating, except when a new
// generation restarts it from empty (Generation is incremented).
type Report struct {
	ID          string
	ProfileID   string
	ReportType  string
	Language    Language
	Provider    string
	Model       string
	Content     string
	Status      ReportStatus
	Generation  int
	Favorite    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

type Alert struct {
	ID        string
	ProfileID string
	Model     string
	Content   string
	CreatedAt time.Time
}

type Profile struct {
	ID        string
	Name      string
	Chart     ChartData
	UpdatedAt time.Time
}
