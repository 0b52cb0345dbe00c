// Package report 把 agent 产出的分类记录上报到 server。
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"netsift/pkg/model"
)

type Client struct {
	url    string
	client *http.Client
}

func NewClient(serverIP string, serverPort int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	host := net.JoinHostPort(serverIP, strconv.Itoa(serverPort))
	return &Client{
		url: "http://" + host + "/api/v1/upload",
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Upload 提交一条记录，server 返回非 2xx 时视为失败。
func (c *Client) Upload(ctx context.Context, rec *model.ClassifiedPacket) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化 JSON 失败：%w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造 HTTP 请求失败：%w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST 上报失败：%w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST 上报失败：status=%s", resp.Status)
	}
	return nil
}
