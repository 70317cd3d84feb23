// Package tokenizer 提供 Token 计数与截断接口，
// 支持 tiktoken 精确编码与 CJK 估算器，用于限制发送给重排后端的文本长度。
package tokenizer
