package luks

// Tool locations.
const (
	// DefaultBinary is the cryptsetup executable.
	DefaultBinary = "/usr/bin/cryptsetup"
	// DefaultMapperDir is where device-mapper exposes opened mappings.
	DefaultMapperDir = "/dev/mapper"
)

// Prompts printed by cryptsetup under LC_ALL=C. Detection is an exact
// substring match, so these must track the tool's wording.
const (
	// passphrasePromptFormat is parameterized by the device path.
	passphrasePromptFormat = "Enter passphrase for %s"
	// existingPassphrasePrompt is printed by luksAddKey.
	existingPassphrasePrompt = "Enter any existing passphrase"
)

// passphraseTries limits cryptsetup to one interactive attempt. A second
// prompt would never be answered.
const passphraseTries = "1"

// lineTerminator ends every injected secret.
const lineTerminator = '\n'

// localeEnv pins prompt text to the C locale.
var localeEnv = map[string]string{"LC_ALL": "C"}

// Format parameters. These are fixed: luksFormat is always run with
// argon2id, a 512-bit key and a 10s iteration time.
const (
	FormatType     = "luks2"
	FormatPBKDF    = "argon2id"
	FormatHash     = "sha512"
	FormatKeySize  = 512
	FormatIterTime = 10000
)

// cryptsetup exit codes, see cryptsetup(8) RETURN CODES.
const (
	ExitSuccess          = 0
	ExitInvalidArguments = 1
	ExitNoPermission     = 2
	ExitOutOfMemory      = 3
	ExitWrongDevice      = 4
	ExitDeviceBusy       = 5
)

// DefaultCrypttabOptions are appended to crypttab entries when the caller
// passes none.
var DefaultCrypttabOptions = []string{"luks", "key-slot=1"}
