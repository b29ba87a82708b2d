package remote

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Compatibility is the result of comparing two protocol versions.
type Compatibility int

// Compatibility levels.
const (
	Compatible Compatibility = iota
	MinorMismatch
	MajorMismatch
)

// String returns the level name.
func (c Compatibility) String() string {
	switch c {
	case Compatible:
		return "compatible"
	case MinorMismatch:
		return "minor_mismatch"
	default:
		return "major_mismatch"
	}
}

// CompareVersions compares the engine's protocol version with the one an
// executor reported.
func CompareVersions(core, remote string) (Compatibility, error) {
	coreV, err := semver.NewVersion(core)
	if err != nil {
		return MajorMismatch, fmt.Errorf("invalid core protocol version %q: %w", core, err)
	}
	remoteV, err := semver.NewVersion(remote)
	if err != nil {
		return MajorMismatch, fmt.Errorf("invalid executor protocol version %q: %w", remote, err)
	}
	switch {
	case coreV.Major() != remoteV.Major():
		return MajorMismatch, nil
	case coreV.Minor() != remoteV.Minor():
		return MinorMismatch, nil
	default:
		return Compatible, nil
	}
}
