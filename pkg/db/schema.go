package db

// Schema defines the SQLite database schema for encrypted volumes.
// volumes holds the last known state per device, operations is the
// append-only history of cryptsetup runs against them.
const Schema = `
CREATE TABLE IF NOT EXISTS volumes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device TEXT NOT NULL UNIQUE,
    mapping TEXT,
    state TEXT NOT NULL CHECK(state IN ('uninitialized', 'encrypted', 'unlocked', 'closed', 'failed')),
    mapped_path TEXT,
    luks_uuid TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_volumes_state ON volumes(state);

CREATE TABLE IF NOT EXISTS operations (
    id TEXT PRIMARY KEY,
    device TEXT NOT NULL,
    kind TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('running', 'succeeded', 'failed')),
    exit_code INTEGER,
    error_message TEXT,
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_operations_device ON operations(device);
CREATE INDEX IF NOT EXISTS idx_operations_started_at ON operations(started_at);
`

// Volume states. They mirror the session lifecycle plus failed, which marks
// a volume whose last operation could not be completed.
const (
	StateUninitialized = "uninitialized"
	StateEncrypted     = "encrypted"
	StateUnlocked      = "unlocked"
	StateClosed        = "closed"
	StateFailed        = "failed"
)

// Operation statuses
const (
	OpRunning   = "running"
	OpSucceeded = "succeeded"
	OpFailed    = "failed"
)

// Operation kinds
const (
	KindEncrypt      = "encrypt"
	KindUnlock       = "unlock"
	KindClose        = "close"
	KindAddKey       = "add_key"
	KindErase        = "erase"
	KindCrypttab     = "crypttab"
	KindHeaderBackup = "header_backup"
	KindProvision    = "provision"
)

// Volume is the persisted view of one block device.
type Volume struct {
	ID           int64
	Device       string
	Mapping      string
	State        string
	MappedPath   string
	LUKSUUID     string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// Operation is one recorded cryptsetup run.
type Operation struct {
	ID           string
	Device       string
	Kind         string
	Status       string
	ExitCode     int
	ErrorMessage string
	StartedAt    string
	FinishedAt   string
}
