// 版权所有 2026 EvidenceLoop Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 routing 实现融合之后的路由决策状态机：根据证据质量与每个任务的
放宽状态，决定 WIDEN（放宽检索）、INVOKE_TOOL（调用外部工具）或
ANSWER（生成回答）。

Route 是纯函数：相同输入总是得到相同的 Decision，不修改任务本身。
需要放宽的任务通过 Decision.Flagged 返回，由调用方写回状态。

# 决策顺序

  1. 任一未耗尽的任务已标记 NeedsWidening：WIDEN。
  2. 质量为 none 且 attempt < 2，或质量为 low 且 attempt == 0：
     标记任务并 WIDEN。
  3. 按任务顺序执行工具意图检测表，首个命中的任务获得工具并 INVOKE_TOOL。
  4. 否则 ANSWER。
*/
package routing
