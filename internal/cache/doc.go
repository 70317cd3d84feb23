// 版权所有 2026 EvidenceLoop Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的字符串缓存，供重排分数缓存使用。

# 概述

本包封装 go-redis 客户端。Manager 负责连接生命周期管理，
包括初始化、后台健康检查与优雅关闭，并提供批量读写，
使一次重排调用的全部候选分数在一个往返内完成查找与回写。

# 核心类型

  - Manager：缓存管理器，持有 Redis 客户端，
    提供 MGet/MSet/Ping/Close。
  - Config：地址、密码、库编号、键前缀、默认 TTL、连接池与健康检查间隔。

# 错误语义

  - MGet 以缺失项表达未命中，不返回错误。
  - 关闭后的所有调用返回 ErrClosed。
*/
package cache
