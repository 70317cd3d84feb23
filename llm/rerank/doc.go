// 版权所有 2026 EvidenceLoop Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 rerank 提供统一的重排后端适配层，为分数融合引擎输出每个候选的
原始交叉编码器分数 (RerankerRawScore)。

# 概述

Backend 接口只有一个契约：输入候选集与查询，返回同长度、同 ID 集合的
候选副本，并写入原始分数，顺序无关。适配器本身只返回错误，
向量分数回退策略由融合引擎统一处理。

# 核心类型

  - Backend：统一的重排接口，包含 Name 与 Rank。
  - HostedBackend：托管远程服务，需要凭证，支持 Cohere、Jina、Voyage 三种方言。
    这些服务返回 [0,1] 概率，后端将其转换为 logit 作为原始分数。
  - LocalBackend：同机部署的推理运行时（text-embeddings-inference 风格），
    直接返回原始 logit，区分基础模型与大模型两个变体。
  - Selector：池级选择启发式，凭证存在时优先托管，否则本地，
    代码内容或非 ASCII 查询时选用大模型。
  - GuardedBackend：超时与熔断保护。
  - CachedBackend：按 (后端, 查询, ID, 内容) 缓存原始分数，
    支持 LRUScoreCache 与 RedisScoreCache。

# 错误语义

  - RERANK_UNAUTHORIZED：缺少凭证或服务返回 401/403。
  - RERANK_MALFORMED：响应无法解析，或索引缺失、重复、越界。
  - RERANK_FAILED：网络错误或其它非 2xx 响应。
  - UPSTREAM_TIMEOUT / CIRCUIT_OPEN：由 GuardedBackend 产生。
*/
package rerank
