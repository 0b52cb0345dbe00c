package app

import (
	"io"
	"time"
)

type Config struct {
	Server  string
	Command string
	Timeout time.Duration
	Out     io.Writer

	// start
	Interface  string
	Filter     string
	MaxPackets int

	// query
	IP    string
	Label string
	Limit int

	// upload
	File string
}
