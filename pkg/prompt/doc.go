// Package prompt 为 NeuroHeart 聊天服务提供有界提示词组装能力。
//
// 本包实现 Token 预算分配器：把系统指令、滚动摘要、生理数据快照、
// 检索片段和对话历史组装为一个有序的块序列，并保证总 Token 成本
// 不超过固定预算。可变部分（检索片段、历史回合）按优先级阶梯降级，
// 固定部分永不截断；当固定内容本身超出预算时显式报错而不是静默超限。
package prompt
