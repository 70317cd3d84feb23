// Copyright (c) EvidenceLoop Authors.
// Licensed under the MIT License.

/*
Package types 提供检索质量控制环路的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 llm/rerank、rag/fusion、
rag/taskmerge、rag/widening、rag/routing 与 rag/loop 提供统一的数据契约。

# 核心类型

  - Candidate       ：单个检索候选（向量分、重排原始分、归一化分、融合分）
  - SourceCategory  ：候选来源类别（code / doc / note / web / other）
  - RetrievalTask   ：一个 (category, query) 检索单元及其执行元数据
  - WideningState   ：每条检索谱系的放宽状态（尝试次数、策略、历史）
  - WideningParams  ：放宽策略参数的标签联合（Semantic / Temporal / ...）
  - RoutingVerdict  ：路由结论（widen / invoke_tool / answer）
  - Error / ErrorCode：结构化错误体系，含 Retryable 标记

# 主要能力

  - 类别解析：ParseSourceCategory 处理别名并拒绝畸形标签
  - 不变量校验：RetrievalTask.Validate 检查候选 ID 唯一与分数范围
  - 参数编解码：WideningState 以 {"strategy","params"} 信封序列化
*/
package types
