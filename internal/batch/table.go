// Package batch 对上传的 CSV 特征表逐行分类。
package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrUnsupportedFormat 表示上传内容不是可识别的 CSV 表。
var ErrUnsupportedFormat = errors.New("unsupported format")

// SniffLen 是 Detect 需要的文件头长度。
const SniffLen = 3072

type Table struct {
	Header []string
	Rows   [][]string
}

// Detect 要求扩展名为 .csv 且内容被识别为文本。
func Detect(filename string, head []byte) error {
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		return fmt.Errorf("%w: 扩展名 %q", ErrUnsupportedFormat, filepath.Ext(filename))
	}
	mt := mimetype.Detect(head)
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return nil
		}
	}
	return fmt.Errorf("%w: 内容类型 %s", ErrUnsupportedFormat, mt.String())
}

// Parse 读取表头和全部数据行。列数不一致或无法按 CSV 解析时返回 ErrUnsupportedFormat。
func Parse(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: 空文件", ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	t := &Table{Header: header}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
