// Package mirror 串联页面渲染的完整流程：新鲜度判断 → 回源 → 重写 → 原子落盘 → 返回正文。
// 一次 Render 对应一个请求级 cache.Session，页面内重复引用的附件只会回源一次。
package mirror
