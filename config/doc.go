// Package config 提供 evidenceloop 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的优先级加载，
// 覆盖重排后端、分数融合、检索放宽、Redis 分数缓存、日志、遥测与指标。
package config
