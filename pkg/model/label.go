package model

// Label 是面向用户的威胁类别，取值是封闭集合。
type Label string

const (
	LabelBenign Label = "Benign Traffic"
	LabelDoS    Label = "DoS Attacks"
	LabelDDoS   Label = "DDoS Attacks"
	LabelScan   Label = "Port Scanning & Brute Force"
	LabelOther  Label = "Other Exploits & Infiltrations"
)

// Labels 按严重程度从低到高排列。
var Labels = []Label{LabelBenign, LabelOther, LabelScan, LabelDoS, LabelDDoS}

func (l Label) Valid() bool {
	switch l {
	case LabelBenign, LabelDoS, LabelDDoS, LabelScan, LabelOther:
		return true
	}
	return false
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (l Label) Severity() Severity {
	switch l {
	case LabelDoS, LabelDDoS:
		return SeverityCritical
	case LabelScan:
		return SeverityHigh
	case LabelOther:
		return SeverityMedium
	case LabelBenign:
		return SeverityInfo
	default:
		return SeverityLow
	}
}

func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 100
	case SeverityHigh:
		return 75
	case SeverityMedium:
		return 50
	case SeverityLow:
		return 25
	default:
		return 0
	}
}
