// Package persist 把采集会话累计的记录整表写成 CSV 文件。
package persist

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"netsift/internal/features"
	"netsift/pkg/model"
)

// displayColumns 在特征列之前；列名与批量预测识别的列名一致，导出的文件可以直接重新上传。
var displayColumns = []string{
	"timestamp", "src_ip", "src_port", "dst_ip", "dst_port", "protocol",
	"length", "flags", "ttl", "pid", "classification", "raw_label",
}

func Header() []string {
	return append(append([]string{}, displayColumns...), features.Names()...)
}

// WriteCSV 用 records 覆盖 path：先写同目录临时文件再 rename，读者不会看到写了一半的表。
func WriteCSV(path string, records []model.ClassifiedPacket) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败：%w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := csv.NewWriter(tmp)
	if err := w.Write(Header()); err != nil {
		tmp.Close()
		return fmt.Errorf("写表头失败：%w", err)
	}
	names := features.Names()
	row := make([]string, 0, len(displayColumns)+len(names))
	for i := range records {
		row = appendRow(row[:0], &records[i], names)
		if err := w.Write(row); err != nil {
			tmp.Close()
			return fmt.Errorf("写第 %d 行失败：%w", i+1, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("写 CSV 失败：%w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("关闭临时文件失败：%w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("替换 %s 失败：%w", path, err)
	}
	return nil
}

func appendRow(row []string, r *model.ClassifiedPacket, names []string) []string {
	row = append(row,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.SrcIP,
		strconv.Itoa(r.SrcPort),
		r.DstIP,
		strconv.Itoa(r.DstPort),
		r.Protocol,
		strconv.Itoa(r.Length),
		r.Flags,
		strconv.Itoa(r.TTL),
		strconv.Itoa(r.PID),
		string(r.Label),
		r.RawLabel,
	)
	for _, n := range names {
		row = append(row, strconv.FormatFloat(r.Features[n], 'g', -1, 64))
	}
	return row
}
