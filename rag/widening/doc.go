// 版权所有 2026 EvidenceLoop Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 widening 在任务证据不足时选择放宽检索的方式，并限制一个 lineage
可以被放宽的次数。

# 策略选择

策略由有序规则表决定，第一个谓词命中的规则生成参数。规则出错或 panic
视为未命中，回落到默认的 relevance 规则，因此选择过程不会中断控制回路。

# 重试上限

attempt 超过 MaxAttempts 后 lineage 被冻结为终止的 hybrid 策略，
不再产生放宽请求。
*/
package widening
