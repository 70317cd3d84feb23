// 版权所有 2026 EvidenceLoop Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 fusion 实现分数融合引擎：把交叉编码器的原始分数与向量相似度
融合成跨来源可比较的混合分数，并按类别阈值过滤、截断。

# 算法

  1. 任务无候选时直接返回空结果，耗时为零，不调用后端。
  2. 调用重排后端获取原始分数。
  3. 使用 logistic 函数 1/(1+e^-r) 归一化。
  4. 若整批原始分数都低于 -2，视为不可靠输出，混合分数直接取向量分数。
  5. 否则 hybrid = 0.7·norm + 0.3·vector。
  6. 按候选类别阈值过滤（code 0.30，doc 0.55，note 0.40，web 0.50，
     其它类别使用默认阈值）；KeepBelowThreshold 调试模式下不过滤。
  7. 按混合分数降序稳定排序并截断到 MaxResults。
  8. 后端出错时 reranker = hybrid = vector，过滤与截断照常进行。

# 模式

  - ModePerCategory：每个任务独立打分，任务之间通过 errgroup 并发扇出。
  - ModeGlobalPool：收集全部任务候选后单次调用后端，分数写回各任务，
    并返回统一排序的候选池。

已打分的候选 (Scored) 不会被再次打分。
*/
package fusion
