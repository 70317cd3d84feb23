// 版权所有 2026 EvidenceLoop Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的检索质量控制环路指标采集能力，覆盖
分数融合、重排后端、路由决策、检索放宽与分数缓存五个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离。Collector 的所有方法对
nil 接收者安全，未启用指标时组件可直接传入 nil。

# 主要能力

  - 融合指标：每个任务的融合次数、过滤前后候选数、回退原因与耗时，
    按 mode/category/fallback 分组。
  - 后端指标：重排调用次数与耗时，按 backend/status 分组；熔断器状态 Gauge。
  - 路由指标：WIDEN / INVOKE_TOOL / ANSWER 判决计数。
  - 放宽指标：按策略统计放宽次数，以及放宽耗尽次数。
  - 缓存指标：命中与未命中计数，按 cache_type 分组。
*/
package metrics
