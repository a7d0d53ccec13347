package library

// QualityScore derives a 0-100 quality score from how often a problem was
// served and how students scored on it. Unscored problems keep the default 50.
func QualityScore(usageCount int, avgScore float64) int {
	if avgScore <= 0 {
		return 50
	}
	switch {
	case usageCount >= 10 && avgScore >= 80:
		return 100
	case usageCount >= 5 && avgScore >= 70:
		return 85
	case usageCount >= 3 && avgScore >= 60:
		return 60
	case usageCount >= 1 && avgScore < 50:
		return 20
	default:
		return 50
	}
}
