package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是 server 的全部配置。文件里没写的字段保持 DefaultConfig 的值。
type Config struct {
	ListenAddr string `yaml:"listen"`

	Interface    string        `yaml:"interface"`
	Filter       string        `yaml:"filter"`
	MaxPackets   int           `yaml:"max_packets"`
	CSVPath      string        `yaml:"csv_path"`
	PcapPath     string        `yaml:"pcap_path"`
	SaveInterval time.Duration `yaml:"save_interval"`

	StreamPollInterval time.Duration `yaml:"stream_poll_interval"`
	StatusInterval     time.Duration `yaml:"status_interval"`

	DBDriver string `yaml:"db_driver"`
	DBPath   string `yaml:"db_path"`

	ModelPath          string        `yaml:"model_path"`
	ModelMetaPath      string        `yaml:"model_meta_path"`
	ONNXLibrary        string        `yaml:"onnx_library"`
	ONNXThreads        int           `yaml:"onnx_threads"`
	RemoteModelAddr    string        `yaml:"remote_model_addr"`
	RemoteModelTimeout time.Duration `yaml:"remote_model_timeout"`

	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	FlowStats   bool          `yaml:"flow_stats"`
	FlowTimeout time.Duration `yaml:"flow_timeout"`
	EnableEBPF  bool          `yaml:"enable_ebpf"`

	LogLevel string `yaml:"log_level"`
	LogDev   bool   `yaml:"log_dev"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":8000",
		Interface:          "any",
		Filter:             "ip",
		MaxPackets:         50,
		CSVPath:            "./captured_packets.csv",
		SaveInterval:       5 * time.Second,
		StreamPollInterval: 100 * time.Millisecond,
		StatusInterval:     time.Second,
		DBDriver:           "sqlite",
		DBPath:             "./netsift.sqlite",
		RemoteModelTimeout: 2 * time.Second,
		NATSSubject:        "netsift.packets.classified",
		FlowTimeout:        2 * time.Minute,
		LogLevel:           "info",
	}
}

// LoadConfig 在默认值之上叠加 YAML 文件中的配置。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("读取配置文件失败：%w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("解析配置文件失败：%w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "duckdb", "clickhouse":
	default:
		return fmt.Errorf("不支持的数据库类型：%s", c.DBDriver)
	}
	if c.MaxPackets < 0 {
		return fmt.Errorf("max_packets 不能为负数：%d", c.MaxPackets)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen 不能为空")
	}
	if c.SaveInterval < 0 || c.StreamPollInterval < 0 || c.StatusInterval < 0 {
		return fmt.Errorf("时间间隔不能为负数")
	}
	return nil
}
