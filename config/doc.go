// Package config 提供 qaforge 的配置管理功能。
//
// 包含配置加载（YAML + 环境变量 + 结构体校验）、默认值、
// 文件变更监听以及运行中的配置热重载。
package config
