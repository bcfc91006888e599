package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = DSCoreSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// DSCoreSemVer is the current version of diffsync.
	// It's the Semantic Version of the software.
	DSCoreSemVer = "0.3.0"
)

// Protocol is used for implementation agnostic versioning.
type Protocol uint64

// Uint64 returns the Protocol version as a uint64.
func (p Protocol) Uint64() uint64 {
	return uint64(p)
}

var (
	// StoreProtocol versions the on-disk key layout and record encoding.
	StoreProtocol Protocol = 1

	// FeederProtocol versions the feeder gateway responses the central
	// source understands.
	FeederProtocol Protocol = 1
)

// Info is what the version command prints in verbose mode.
type Info struct {
	Diffsync       string `json:"diffsync"`
	StoreProtocol  uint64 `json:"store_protocol"`
	FeederProtocol uint64 `json:"feeder_protocol"`
}

// Current returns the Info of this build.
func Current() Info {
	return Info{
		Diffsync:       Version,
		StoreProtocol:  StoreProtocol.Uint64(),
		FeederProtocol: FeederProtocol.Uint64(),
	}
}
