package engine

import "fmt"

// State is the reconciliation state of the engine.
type State int

const (
	Idle State = iota
	Activating
	Converged
	Diverged
	Resyncing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Activating:
		return "activating"
	case Converged:
		return "converged"
	case Diverged:
		return "diverged"
	case Resyncing:
		return "resyncing"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LegacyPolicy decides what happens to frames that carry no version.
type LegacyPolicy string

const (
	// LegacyApply applies unversioned frames without moving the version watermark.
	LegacyApply LegacyPolicy = "apply"
	// LegacyDrop discards unversioned frames.
	LegacyDrop LegacyPolicy = "drop"
)

func ParseLegacyPolicy(s string) (LegacyPolicy, error) {
	switch LegacyPolicy(s) {
	case "", LegacyApply:
		return LegacyApply, nil
	case LegacyDrop:
		return LegacyDrop, nil
	}
	return "", fmt.Errorf("unknown legacy frame policy %q", s)
}

// Mode is the playback path used for the current target.
type Mode string

const (
	ModeNone     Mode = ""
	ModeProvider Mode = "provider"
	ModeAudio    Mode = "audio"
)
