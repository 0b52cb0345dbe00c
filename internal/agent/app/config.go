package app

import "time"

type Config struct {
	Interface       string
	PcapPath        string
	Filter          string
	ServerIP        string
	ServerPort      int
	HTTPPostTimeout time.Duration
	ModelPath       string
	ModelMetaPath   string
	ONNXLibrary     string
	Max             int
	EnableEBPF      bool
}
