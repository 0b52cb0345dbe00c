package session

import (
	"errors"
	"fmt"
)

var ErrAlreadyRunning = errors.New("capture already running")

// InterfaceError 表示无法在指定网卡上打开抓包（权限不足、网卡不存在等）。
type InterfaceError struct {
	Interface string
	Err       error
}

func (e *InterfaceError) Error() string {
	return fmt.Sprintf("无法在网卡 %s 上抓包：%v", e.Interface, e.Err)
}

func (e *InterfaceError) Unwrap() error {
	return e.Err
}

// FilterError 表示启动请求里的抓包过滤表达式无法解析。
type FilterError struct {
	Expr string
	Err  error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("过滤表达式 %q 不合法：%v", e.Expr, e.Err)
}

func (e *FilterError) Unwrap() error {
	return e.Err
}

var errNoOpener = errors.New("未配置报文来源")
