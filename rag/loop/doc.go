// 版权所有 2026 EvidenceLoop Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 loop 把任务合并、分数融合、路由决策与检索放宽串成每个对话 turn 的
检索质量控制循环。

# 概述

每个 Turn 拥有独立的显式状态（任务、评估结果、路由结论、放宽请求），
Controller 本身无状态，可被不同 turn 并发使用。

  - Controller.Step：校验输入、合并、融合、路由；WIDEN 时为被标记的任务
    运行放宽选择器并生成 WideningRequest。所有被标记的 lineage 都耗尽时
    重新路由，保证每个 turn 都以一个确定的结论结束。
  - Controller.Run：在进程内驱动多轮循环，通过 Retriever 协作者重新检索，
    直到结论不再是 WIDEN。
  - Notifier：追踪协作者，调用失败或 panic 都不会影响主流程。
  - Build：从 config.Config 组装完整的控制器。
*/
package loop
