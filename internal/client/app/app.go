// Package app 是 netsift 的命令行客户端，调用 server 的 HTTP 接口并以表格输出。
package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"netsift/pkg/model"
)

// Commands 是支持的子命令。
var Commands = []string{"start", "stop", "status", "records", "summary", "query", "upload"}

type client struct {
	base *url.URL
	http *http.Client
	out  io.Writer
}

func Run(cfg Config) error {
	u, err := url.Parse(cfg.Server)
	if err != nil {
		return fmt.Errorf("server 参数非法：%w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	c := &client{base: u, http: &http.Client{Timeout: cfg.Timeout}, out: cfg.Out}

	switch cfg.Command {
	case "start":
		return c.start(cfg.Interface, cfg.Filter, cfg.MaxPackets)
	case "stop":
		var res struct {
			Status       string `json:"status"`
			CurrentCount int    `json:"current_count"`
		}
		if err := c.do(http.MethodPost, "/api/v1/capture/stop", nil, "", &res); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s (current_count=%d)\n", res.Status, res.CurrentCount)
		return nil
	case "status":
		var st model.Status
		if err := c.do(http.MethodGet, "/api/v1/capture/status", nil, "", &st); err != nil {
			return err
		}
		renderStatus(c.out, st)
		return nil
	case "records":
		var rows []model.ClassifiedPacket
		if err := c.do(http.MethodGet, "/api/v1/capture/records", nil, "", &rows); err != nil {
			return err
		}
		renderPackets(c.out, rows)
		return nil
	case "summary":
		var s model.Summary
		if err := c.do(http.MethodGet, "/api/v1/capture/summary", nil, "", &s); err != nil {
			return err
		}
		renderSummary(c.out, s)
		return nil
	case "query":
		return c.query(cfg.IP, cfg.Label, cfg.Limit)
	case "upload":
		return c.upload(cfg.File)
	default:
		return fmt.Errorf("未知命令：%q", cfg.Command)
	}
}

func (c *client) start(iface, filter string, max int) error {
	body, err := json.Marshal(map[string]any{"interface": iface, "filter": filter, "max_packets": max})
	if err != nil {
		return fmt.Errorf("序列化 JSON 失败：%w", err)
	}
	var res model.StartResult
	if err := c.do(http.MethodPost, "/api/v1/capture/start", bytes.NewReader(body), "application/json", &res); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s session=%s max_packets=%d\n", res.Status, res.SessionID, res.MaxPackets)
	return nil
}

func (c *client) query(ip, label string, limit int) error {
	q := url.Values{}
	switch {
	case ip != "":
		q.Set("ip", ip)
	case label != "":
		q.Set("label", label)
	default:
		return fmt.Errorf("query 需要 -ip 或 -label")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var rows []model.ClassifiedPacket
	if err := c.do(http.MethodGet, "/api/v1/query?"+q.Encode(), nil, "", &rows); err != nil {
		return err
	}
	renderPackets(c.out, rows)
	return nil
}

func (c *client) upload(path string) error {
	if path == "" {
		return fmt.Errorf("upload 需要 -file")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("打开文件失败：%w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("构造上传请求失败：%w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("读取文件失败：%w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("构造上传请求失败：%w", err)
	}

	var res struct {
		Predictions []model.ClassifiedPacket `json:"predictions"`
		Summary     model.Summary            `json:"summary"`
	}
	if err := c.do(http.MethodPost, "/api/v1/predict-csv", &buf, mw.FormDataContentType(), &res); err != nil {
		return err
	}
	renderPackets(c.out, res.Predictions)
	renderSummary(c.out, res.Summary)
	return nil
}

// do 发送请求并把 2xx 响应解码到 out；其余状态码把响应体带进错误信息。
func (c *client) do(method, path string, body io.Reader, contentType string, out any) error {
	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("路径非法：%w", err)
	}
	req, err := http.NewRequest(method, c.base.ResolveReference(ref).String(), body)
	if err != nil {
		return fmt.Errorf("构造 HTTP 请求失败：%w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败：%w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("请求失败：status=%s body=%s", resp.Status, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应 JSON 失败：%w", err)
	}
	return nil
}

func renderPackets(w io.Writer, rows []model.ClassifiedPacket) {
	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"Time", "PID", "Source", "Destination", "Proto", "Len", "Flags", "TTL", "Classification"})
	t.SetAutoWrapText(false)
	t.SetRowLine(false)

	for _, r := range rows {
		pid := "-"
		if r.PID > 0 {
			pid = strconv.Itoa(r.PID)
		}
		t.Append([]string{
			r.Timestamp.Format(time.RFC3339Nano),
			pid,
			fmt.Sprintf("%s:%d", r.SrcIP, r.SrcPort),
			fmt.Sprintf("%s:%d", r.DstIP, r.DstPort),
			r.Protocol,
			strconv.Itoa(r.Length),
			r.Flags,
			strconv.Itoa(r.TTL),
			string(r.Label),
		})
	}
	t.Render()
}

func renderStatus(w io.Writer, st model.Status) {
	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"Session", "Count", "Max", "Capturing", "Complete"})
	t.Append([]string{
		st.SessionID,
		strconv.Itoa(st.CurrentCount),
		strconv.Itoa(st.MaxPackets),
		strconv.FormatBool(st.Capturing),
		strconv.FormatBool(st.Complete),
	})
	t.Render()
}

func renderSummary(w io.Writer, s model.Summary) {
	labels := make([]string, 0, len(s.Counts))
	for l := range s.Counts {
		labels = append(labels, string(l))
	}
	sort.Strings(labels)

	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"Classification", "Count"})
	for _, l := range labels {
		t.Append([]string{l, strconv.Itoa(s.Counts[model.Label(l)])})
	}
	t.Render()
	fmt.Fprintf(w, "total=%d risk_score=%.1f risk_level=%s\n", s.Total, s.RiskScore, s.RiskLevel)
}
