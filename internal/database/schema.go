package database

// entity_data 是唯一的持久化表，(entity_id, namespace, data_key) 唯一。
const createEntityDataTable = `CREATE TABLE IF NOT EXISTS entity_data (
	entity_id TEXT NOT NULL,
	namespace TEXT NOT NULL,
	data_key  TEXT NOT NULL,
	value     TEXT NOT NULL,
	PRIMARY KEY (entity_id, namespace, data_key)
)`

const upsertEntityData = `INSERT INTO entity_data (entity_id, namespace, data_key, value)
VALUES (?, ?, ?, ?)
ON CONFLICT (entity_id, namespace, data_key) DO UPDATE SET value = excluded.value`

const selectEntityData = `SELECT value FROM entity_data WHERE entity_id = ? AND namespace = ? AND data_key = ?`

// Record 对应 entity_data 表中的一行。
type Record struct {
	EntityID  string `db:"entity_id"`
	Namespace string `db:"namespace"`
	Key       string `db:"data_key"`
	Value     string `db:"value"`
}
