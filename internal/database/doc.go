// Package database 提供池化的持久化访问：嵌入式 SQLite 文件或网络 PostgreSQL，
// 统一通过 sqlx 管理连接池、占位符改写以及 entity_data 表的点查/覆盖写。
package database
