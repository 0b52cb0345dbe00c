package predict

import (
	"strings"

	"netsift/pkg/model"
)

// labelTable 是 CICIDS2017 原始类别到对外类别的固定映射。
var labelTable = map[string]model.Label{
	"BENIGN":           model.LabelBenign,
	"DoS Hulk":         model.LabelDoS,
	"DoS GoldenEye":    model.LabelDoS,
	"DoS slowloris":    model.LabelDoS,
	"DoS Slowhttptest": model.LabelDoS,
	"DDoS":             model.LabelDDoS,
	"PortScan":         model.LabelScan,
	"FTP-Patator":      model.LabelScan,
	"SSH-Patator":      model.LabelScan,
	"Bot":              model.LabelOther,
	"Infiltration":     model.LabelOther,
	"Heartbleed":       model.LabelOther,
}

// MapLabel 把解码后的原始标签映射到封闭类别集合。
// ok 为 false、空串或 "nan" 视为标签缺失，归为良性；表中没有的其他标签归为 Other。
// fallback 为 true 表示走了兜底分支，调用方应记录告警。
func MapLabel(raw string, ok bool) (label model.Label, fallback bool) {
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" || strings.EqualFold(raw, "nan") {
		return model.LabelBenign, true
	}
	if l, found := labelTable[raw]; found {
		return l, false
	}
	// 训练集里 Web Attack 的破折号编码不统一（"–" / "�"），按前缀匹配。
	if strings.HasPrefix(raw, "Web Attack") {
		return model.LabelOther, false
	}
	return model.LabelOther, true
}

// TrainingClasses 是训练集类别按字典序排列后的顺序，即标签编码器的下标顺序。
// 只配置远程模型、没有本地模型包时用它解码。
var TrainingClasses = []string{
	"BENIGN",
	"Bot",
	"DDoS",
	"DoS GoldenEye",
	"DoS Hulk",
	"DoS Slowhttptest",
	"DoS slowloris",
	"FTP-Patator",
	"Heartbleed",
	"Infiltration",
	"PortScan",
	"SSH-Patator",
	"Web Attack – Brute Force",
	"Web Attack – Sql Injection",
	"Web Attack – XSS",
}
