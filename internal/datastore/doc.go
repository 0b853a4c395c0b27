// Package datastore 实现按实体分段的 read-through/write-through 缓存，
// 持久化委托给 Backend（通常是 database.Provider）。
//
// 读：缓存启用且分段未过期时直接返回；否则回源并在命中后回填。
// 写：先写存储，成功后再更新缓存，失败时缓存保持不变。
// 同一实体的写入与回源回填通过引用计数的实体锁串行化，分段自身的读写锁从不跨 I/O 持有。
package datastore
