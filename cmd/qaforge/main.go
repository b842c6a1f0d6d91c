// =============================================================================
// qaforge 主入口
// =============================================================================
//
// 使用方法:
//
//	qaforge run --config config.yaml            # 执行增强任务
//	qaforge run --fresh                         # 丢弃断点重新开始
//	qaforge keys add --provider gemini <key>    # 向注入文件追加密钥
//	qaforge checkpoint inspect                  # 查看断点
//	qaforge version                             # 显示版本信息
// =============================================================================

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// 版本信息（构建时注入）
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	exitOK         = 0
	exitFatal      = 1
	exitIncomplete = 2
)

// exitError 携带退出码，message 为空时不打印
type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.message
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.message != "" {
			fmt.Fprintln(stderr, ee.message)
		}
		return ee.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return exitFatal
}
