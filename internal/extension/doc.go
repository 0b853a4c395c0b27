// Package extension 管理扩展包的生命周期：扫描发现、结构校验、加载启用、
// 空闲回收与数量上限（LRU）控制。
//
// 扩展包是 ZIP 归档（默认后缀 .gext），根目录包含 extension.yaml：
//
//	name: greeter
//	version: 1.0.0
//	authors: [alice]
//	main: main.js
//	host-versions: ["0."]
//
// 实际的代码加载由 Loader 完成，默认实现见 extension/script。
package extension
