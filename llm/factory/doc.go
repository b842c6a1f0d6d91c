// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package factory 根据提供商配置的 kind 创建 Provider 实例，
// 打破 llm 包与各 provider 子包之间的循环依赖。
package factory
