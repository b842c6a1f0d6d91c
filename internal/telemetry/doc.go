// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 qaforge 提供集中式的 TracerProvider 配置。
// 调度器的每次请求尝试都会产生一个 span。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务。
package telemetry
