package fsm

// ProvisionRequest is the FSM input. It is persisted by the FSM store, so
// it never carries key material; the passphrase is held by the Machine.
type ProvisionRequest struct {
	Device  string
	Mapping string

	// Force re-formats a device that is already recorded as encrypted.
	Force bool

	// Root is the target system root whose etc/crypttab receives an entry.
	// Empty skips the crypttab step.
	Root string
	// EnrollKeyFile is enrolled as an additional key before crypttab is
	// written.
	EnrollKeyFile string
	// CrypttabKeyPath is the key path as seen from Root. Defaults to
	// EnrollKeyFile, or "none" when no key is enrolled.
	CrypttabKeyPath string
	CrypttabOptions []string

	// HeaderBackup uploads a LUKS header backup after unlocking.
	HeaderBackup bool
}

// ProvisionResponse is the FSM output (accumulated across transitions)
type ProvisionResponse struct {
	// From CheckDB
	VolumeID int64
	Skipped  bool

	// From Encrypt
	LUKSUUID  string
	Recovered bool

	// From Unlock
	MappedPath string

	// From Crypttab
	CrypttabPath string

	// From BackupHeader
	HeaderKey    string
	HeaderSHA256 string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateCheckDB      = "check_db"
	StateEncrypt      = "encrypt"
	StateUnlock       = "unlock"
	StateCrypttab     = "crypttab"
	StateBackupHeader = "backup_header"
	StateComplete     = "complete"
	StateFailed       = "failed"
)
