package metastore

import "time"

// BucketModel lives in the global store. ResolveBucket consults it to
// authorize writes and discover which regional store owns the bucket's
// object rows.
type BucketModel struct {
	ID         string `gorm:"primaryKey;type:varchar(64)"`
	Name       string `gorm:"uniqueIndex;type:varchar(255);not null"`
	TenantID   string `gorm:"index;type:varchar(64)"`
	Region     string `gorm:"type:varchar(64);not null"`
	PublicRead bool   `gorm:"default:false"`
	CreatedAt  time.Time
	DeletedAt  *time.Time `gorm:"index"`
}

func (BucketModel) TableName() string { return "buckets" }

// TaskModel is the durable task queue record (§3 Task, §4.9). Payload is
// stored as a JSON-encoded blob keyed loosely to the task Kind rather than
// a typed column per kind, since new kinds should not require a migration.
type TaskModel struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	Kind        string `gorm:"index;type:varchar(32);not null"`
	Payload     string `gorm:"type:text;not null"`
	Priority    int    `gorm:"index:idx_tasks_due,priority:1"`
	Status      string `gorm:"index;type:varchar(16);not null"`
	ScheduledAt time.Time `gorm:"index:idx_tasks_due,priority:2"`
	Attempts    int
	LastError   string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (TaskModel) TableName() string { return "tasks" }

// Task status values.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Task kinds the core dispatches (§4.9).
const (
	TaskDeleteObject   = "DELETE_OBJECT"
	TaskDeleteBucket   = "DELETE_BUCKET"
	TaskRebalanceShard = "REBALANCE_SHARD"
)

// ObjectModel is the per-region projection of an Object (§3). It lives in
// the regional store that owns its bucket, never joined against the global
// store's tables.
type ObjectModel struct {
	ID          string `gorm:"primaryKey;type:varchar(64)"`
	BucketID    string `gorm:"uniqueIndex:idx_objects_identity;type:varchar(64);not null"`
	Key         string `gorm:"uniqueIndex:idx_objects_identity;type:varchar(1024);not null"`
	VersionID   string `gorm:"uniqueIndex:idx_objects_identity;type:varchar(64);not null;default:''"`
	KeyPrefix   string `gorm:"index;type:varchar(1024)"` // slash-delimited ancestor path, for prefix/delimiter listing
	ContentHash string `gorm:"index;type:char(64);not null"`
	Size        int64  `gorm:"not null"`
	ETag        string `gorm:"type:varchar(64);not null"`
	ContentType string `gorm:"type:varchar(255)"`
	ShardMap    string `gorm:"type:text"` // hex-encoded CBOR list of per-stripe peer entries, empty for single-node objects
	Nonce       string `gorm:"type:varchar(24)"`
	CreatedAt   time.Time
	DeletedAt   *time.Time `gorm:"index"`
}

func (ObjectModel) TableName() string { return "objects" }
