// Package llm 定义了从自由文本对话中抽取结构化借贷参数的统一接口，
// 以及各个大模型 provider 共享的请求与响应类型。
package llm
