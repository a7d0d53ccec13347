package domain

import "time"

// LibraryEntry is a fingerprinted, student-independent generated problem.
type LibraryEntry struct {
	ID              string
	Fingerprint     string
	Topic           string
	Level           string
	Difficulty      string
	Variant         int
	ProblemText     string
	Category        string
	Tags            []string
	IsCurrentEvent  bool
	QualityScore    int
	UsageCount      int
	AvgStudentScore float64
	ContentHash     string
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LibraryUsage records that a student was served a library problem.
type LibraryUsage struct {
	ProblemID    string
	StudentID    string
	SessionID    string
	StudentScore *int
	UsedAt       time.Time
}

// LibraryStats summarizes the problem library.
type LibraryStats struct {
	TotalProblems   int             `json:"totalProblems"`
	ActiveProblems  int             `json:"activeProblems"`
	TotalUsages     int             `json:"totalUsages"`
	AvgQualityScore float64         `json:"avgQualityScore"`
	TopUsed         []LibrarySample `json:"topUsed"`
}

// LibrarySample is a short view of a library entry used in statistics.
type LibrarySample struct {
	ID           string  `json:"id"`
	Topic        string  `json:"topic"`
	UsageCount   int     `json:"usageCount"`
	QualityScore int     `json:"qualityScore"`
	AvgScore     float64 `json:"avgStudentScore"`
}
