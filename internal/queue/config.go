package queue

// Type identifies a backend family for config parsing and registry
// construction (§3 Queue definition).
type Type string

const (
	TypeLocal       Type = "local"
	TypeRemoteSGE   Type = "remote-sge"
	TypeRemotePBS   Type = "remote-pbs"
	TypeRemoteSLURM Type = "remote-slurm"
	TypeRemoteOAR   Type = "remote-oar"
)

// Def is the on-disk/config representation of one queue (§3).
// internal/config decodes these from the settings file; internal/queue/local
// and internal/queue/remote each build a concrete Queue from one.
type Def struct {
	Name          string       `yaml:"name" toml:"name"`
	Type          Type         `yaml:"type" toml:"type"`
	Programs      []ProgramDef `yaml:"programs" toml:"programs"`

	// Local-queue settings.
	MaxConcurrentJobs int `yaml:"maxConcurrentJobs,omitempty" toml:"maxConcurrentJobs,omitempty"`

	// Remote-SSH-family settings.
	LaunchTemplate       string `yaml:"launchTemplate,omitempty" toml:"launchTemplate,omitempty"`
	LaunchScriptName     string `yaml:"launchScriptName,omitempty" toml:"launchScriptName,omitempty"`
	SubmissionCommand    string `yaml:"submissionCommand,omitempty" toml:"submissionCommand,omitempty"`
	KillCommand          string `yaml:"killCommand,omitempty" toml:"killCommand,omitempty"`
	RequestQueueCommand  string `yaml:"requestQueueCommand,omitempty" toml:"requestQueueCommand,omitempty"`
	Host                 string `yaml:"host,omitempty" toml:"host,omitempty"`
	User                 string `yaml:"user,omitempty" toml:"user,omitempty"`
	SSHPort              int    `yaml:"sshPort,omitempty" toml:"sshPort,omitempty"`
	IdentityFile         string `yaml:"identityFile,omitempty" toml:"identityFile,omitempty"`

	// IdentityPassphrase unlocks an encrypted private key. At rest in
	// the settings file it is either plaintext or, prefixed "enc:", a
	// value internal/crypto can decrypt given the MOLEQUEUE_ENCRYPTION_SECRET
	// environment variable the broker reads at startup.
	IdentityPassphrase   string `yaml:"identityPassphrase,omitempty" toml:"identityPassphrase,omitempty"`
	WorkingDirectoryBase string `yaml:"workingDirectoryBase,omitempty" toml:"workingDirectoryBase,omitempty"`
	PollIntervalSeconds  int    `yaml:"pollIntervalSeconds,omitempty" toml:"pollIntervalSeconds,omitempty"`
}
