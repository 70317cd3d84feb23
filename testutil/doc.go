// Copyright 2026 EvidenceLoop Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 evidenceloop 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试与属性测试提供统一的辅助能力，
避免重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertCandidateIDs / AssertJSONEqual
  - 数据工具: MustJSON / MustParseJSON
  - 异步辅助: WaitFor

# 子包

  - testutil/mocks: MockBackend（可编排分数、错误与延迟的重排后端）、
    MockRetriever（检索协作者）、StaticComplexity（复杂度信号）
  - testutil/fixtures: 候选与检索任务构造器
*/
package testutil
