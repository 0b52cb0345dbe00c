package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"netsift/internal/client/app"
)

func main() {
	var cfg app.Config
	flag.StringVar(&cfg.Server, "server", "http://127.0.0.1:8000", "Server 地址")
	flag.StringVar(&cfg.Interface, "interface", "", "start：抓包网卡，空表示使用 server 默认值")
	flag.StringVar(&cfg.Filter, "filter", "", "start：抓包过滤表达式，空表示使用 server 默认值")
	flag.IntVar(&cfg.MaxPackets, "max", 0, "start：抓包上限，0 表示使用 server 默认值")
	flag.StringVar(&cfg.IP, "ip", "", "query：按 IP 查询")
	flag.StringVar(&cfg.Label, "label", "", "query：按类别查询")
	flag.IntVar(&cfg.Limit, "limit", 0, "query：返回条数上限")
	flag.StringVar(&cfg.File, "file", "", "upload：待预测的 CSV 文件")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "用法：%s [flags] <%s>\n", os.Args[0], strings.Join(app.Commands, "|"))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	cfg.Command = flag.Arg(0)

	if err := app.Run(cfg); err != nil {
		log.Printf("client 失败：%v", err)
		os.Exit(1)
	}
}
