package model

// Summary 汇总一批记录的类别分布与风险分。
type Summary struct {
	Total     int           `json:"total"`
	Counts    map[Label]int `json:"counts"`
	RiskScore float64       `json:"risk_score"`
	RiskLevel Severity      `json:"risk_level"`
}

// Summarize 计算 RiskScore = Σ(weight × count) / total，total 为 0 时分数为 0。
func Summarize(records []ClassifiedPacket) Summary {
	s := Summary{Counts: make(map[Label]int, len(Labels))}
	var weighted float64
	for _, r := range records {
		s.Counts[r.Label]++
		weighted += r.Label.Severity().Weight()
	}
	s.Total = len(records)
	if s.Total > 0 {
		s.RiskScore = weighted / float64(s.Total)
	}
	s.RiskLevel = riskLevel(s.RiskScore)
	return s
}

func riskLevel(score float64) Severity {
	switch {
	case score >= 75:
		return SeverityCritical
	case score >= 50:
		return SeverityHigh
	case score >= 25:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
