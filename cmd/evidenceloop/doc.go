// 版权所有 2026 EvidenceLoop Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 evidenceloop 命令行入口。

# 概述

cmd/evidenceloop 从 YAML 配置和环境变量组装检索质量控制循环，
对 JSON 描述的一个 turn 执行一次评估（合并、融合、路由、放宽），
并把更新后的 turn 以 JSON 输出。

# 子命令

  - evaluate：读取 turn JSON（文件或标准输入），输出评估结果
  - health：探测本地推理端点并报告各后端熔断状态
  - version：显示构建信息

# 主要能力

  - 结构化日志（zap），级别与格式来自 log 配置段
  - Prometheus 指标，可通过 --metrics-out 导出文本格式快照
  - OpenTelemetry 追踪与事件计数，未启用时为 noop
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
