package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration decodes TOML strings such as "250ms" into a time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// Profile is a saved run configuration. Zero values and nil pointers mean
// "not set" so the caller can layer a profile under command-line flags.
type Profile struct {
	Source        string   `toml:"source"`
	Signal        string   `toml:"signal"`
	NoiseSignal   *string  `toml:"noise_signal"`
	Interruptible *bool    `toml:"interruptible"`
	Iterations    uint64   `toml:"iterations"`
	ProgressEvery uint64   `toml:"progress_every"`
	SnapshotEvery uint64   `toml:"snapshot_every"`
	TimerPeriod   Duration `toml:"timer_period"`
	Spin          int      `toml:"spin"`
	Grace         Duration `toml:"grace"`
	Scratch       *bool    `toml:"scratch"`
	ScratchDir    string   `toml:"scratch_dir"`
	Audit         *bool    `toml:"audit"`
	LogLevel      string   `toml:"log_level"`
	Tracing       *bool    `toml:"tracing"`
	OTLPEndpoint  string   `toml:"otlp_endpoint"`
	SampleRate    *float64 `toml:"sample_rate"`
}

// LoadProfile reads a TOML profile. Unknown keys are rejected so that a
// misspelled setting does not silently fall back to its default.
func LoadProfile(path string) (*Profile, error) {
	var p Profile
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, fmt.Errorf("failed to decode profile %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys in profile %s: %s", path, strings.Join(keys, ", "))
	}
	return &p, nil
}
