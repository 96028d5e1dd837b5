package storage

// Bucket names for bbolt database
const (
	ActivityRecordsBucket  = "activity_records"
	ExecutionRecordsBucket = "execution_records"
	MetaBucket             = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// Current schema version
const CurrentSchemaVersion = 1

// dbFileName is the database file inside the data directory
const dbFileName = "mcpagent.db"
