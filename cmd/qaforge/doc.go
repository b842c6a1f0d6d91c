// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 qaforge 命令行入口。

# 概述

qaforge 读取问答数据集，通过多提供商、多密钥的限速调度器为每个问题
生成改写，按输入顺序写出 JSONL，并在断点中记录进度以便续跑。

# 子命令

  - run：执行增强任务（--fresh 丢弃断点，--dry-run 使用离线 Provider，
    --metrics-addr 暴露 /metrics 与 /healthz）
  - keys add / keys list：维护实时注入文件
  - checkpoint inspect / checkpoint reset：查看或删除断点
  - version：显示构建信息

# 退出码

0 表示全部完成；2 表示提前停止或存在永久失败；1 表示致命错误。
*/
package main
