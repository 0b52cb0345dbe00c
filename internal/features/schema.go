// Package features 把单个报文还原成与训练集（CICIDS2017 流特征）同名、同序的数值特征。
package features

// Schema 是模型训练时的特征顺序，名称必须逐字一致。
// 注意 "Fwd Header Length" 在训练集里出现了两次（下标 34 与 55），这里原样保留。
var Schema = []string{
	"Destination Port", "Flow Duration", "Total Fwd Packets", "Total Backward Packets",
	"Total Length of Fwd Packets", "Total Length of Bwd Packets", "Fwd Packet Length Max",
	"Fwd Packet Length Min", "Fwd Packet Length Mean", "Fwd Packet Length Std",
	"Bwd Packet Length Max", "Bwd Packet Length Min", "Bwd Packet Length Mean",
	"Bwd Packet Length Std", "Flow Bytes/s", "Flow Packets/s", "Flow IAT Mean", "Flow IAT Std",
	"Flow IAT Max", "Flow IAT Min", "Fwd IAT Total", "Fwd IAT Mean", "Fwd IAT Std",
	"Fwd IAT Max", "Fwd IAT Min", "Bwd IAT Total", "Bwd IAT Mean", "Bwd IAT Std",
	"Bwd IAT Max", "Bwd IAT Min", "Fwd PSH Flags", "Bwd PSH Flags", "Fwd URG Flags",
	"Bwd URG Flags", "Fwd Header Length", "Bwd Header Length", "Fwd Packets/s",
	"Bwd Packets/s", "Min Packet Length", "Max Packet Length", "Packet Length Mean",
	"Packet Length Std", "Packet Length Variance", "FIN Flag Count", "SYN Flag Count",
	"RST Flag Count", "PSH Flag Count", "ACK Flag Count", "URG Flag Count", "CWE Flag Count",
	"ECE Flag Count", "Down/Up Ratio", "Average Packet Size", "Avg Fwd Segment Size",
	"Avg Bwd Segment Size", "Fwd Header Length", "Fwd Avg Bytes/Bulk", "Fwd Avg Packets/Bulk",
	"Fwd Avg Bulk Rate", "Bwd Avg Bytes/Bulk", "Bwd Avg Packets/Bulk", "Bwd Avg Bulk Rate",
	"Subflow Fwd Packets", "Subflow Fwd Bytes", "Subflow Bwd Packets", "Subflow Bwd Bytes",
	"Init_Win_bytes_forward", "Init_Win_bytes_backward", "act_data_pkt_fwd",
	"min_seg_size_forward", "Active Mean", "Active Std", "Active Max", "Active Min",
	"Idle Mean", "Idle Std", "Idle Max", "Idle Min",
}

var names = uniqueNames(Schema)

// Names 返回去重后的特征名（保持首次出现的顺序），即 Record 的完整 key 集合。
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

func uniqueNames(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, n := range in {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Record 是特征名到数值的映射，生成后视为只读。
type Record map[string]float64

// NewRecord 返回所有特征都为 0 的记录。
func NewRecord() Record {
	r := make(Record, len(names))
	for _, n := range names {
		r[n] = 0
	}
	return r
}

// Vector 按 Schema 顺序展开；缺失的名字按 0 处理。
func (r Record) Vector() []float64 {
	out := make([]float64, len(Schema))
	for i, n := range Schema {
		out[i] = r[n]
	}
	return out
}

// Clone 复制一份，供外部持有而不影响原记录。
func (r Record) Clone() map[string]float64 {
	out := make(map[string]float64, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
