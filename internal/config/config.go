// Package config loads Database options from a TOML file, translating
// human-readable size strings ("64MB", "1GiB") into the byte counts
// tupl.Options expects. Grounded on talent-plan/tinykv's scheduler/server
// config package, which layers a typed Go struct over BurntSushi/toml the
// same way.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"

	"github.com/cojen/tupl"
)

// File is the on-disk shape of a tuplctl/tuplsh config file. Size and
// duration fields are strings so the file stays readable ("64MB", "500ms")
// instead of forcing raw byte/nanosecond counts on the operator.
type File struct {
	BaseFile string `toml:"base_file"`

	PageSize int `toml:"page_size"`

	MinCacheSize string `toml:"min_cache_size"`
	MaxCacheSize string `toml:"max_cache_size"`

	DurabilityMode string `toml:"durability_mode"`
	LockTimeout    string `toml:"lock_timeout"`

	CheckpointRate          string `toml:"checkpoint_rate"`
	CheckpointSizeThreshold string `toml:"checkpoint_size_threshold"`

	DirectPageAccess bool `toml:"direct_page_access"`
	ReadOnly         bool `toml:"read_only"`
}

// Load parses a TOML config file at path into a File.
func Load(path string) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ToOptions converts f into a tupl.Options, applying tupl.DefaultOptions as
// a base so fields left blank in the file keep their engine defaults.
func (f *File) ToOptions() (*tupl.Options, error) {
	opts := tupl.DefaultOptions(f.BaseFile)

	if f.PageSize != 0 {
		opts.PageSize = f.PageSize
	}
	if f.MinCacheSize != "" {
		n, err := parseCacheNodes(f.MinCacheSize)
		if err != nil {
			return nil, err
		}
		opts.MinCacheSize = n
	}
	if f.MaxCacheSize != "" {
		n, err := parseCacheNodes(f.MaxCacheSize)
		if err != nil {
			return nil, err
		}
		opts.MaxCacheSize = n
	}
	if f.DurabilityMode != "" {
		m, err := ParseDurabilityMode(f.DurabilityMode)
		if err != nil {
			return nil, err
		}
		opts.DurabilityMode = m
	}
	if f.LockTimeout != "" {
		d, err := time.ParseDuration(f.LockTimeout)
		if err != nil {
			return nil, err
		}
		opts.LockTimeout = d
	}
	if f.CheckpointRate != "" {
		d, err := time.ParseDuration(f.CheckpointRate)
		if err != nil {
			return nil, err
		}
		opts.CheckpointRate = d
	}
	if f.CheckpointSizeThreshold != "" {
		n, err := units.RAMInBytes(f.CheckpointSizeThreshold)
		if err != nil {
			return nil, err
		}
		opts.CheckpointSizeThreshold = n
	}
	opts.DirectPageAccess = f.DirectPageAccess
	opts.ReadOnly = f.ReadOnly
	return opts, nil
}

// parseCacheNodes accepts a bare node count ("10000") or, for convenience,
// a suffixed size string ("64k") via go-units.RAMInBytes.
func parseCacheNodes(s string) (int, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ParseDurabilityMode maps a config string onto tupl.DurabilityMode.
func ParseDurabilityMode(s string) (tupl.DurabilityMode, error) {
	switch s {
	case "sync":
		return tupl.DurabilitySync, nil
	case "no_sync":
		return tupl.DurabilityNoSync, nil
	case "no_flush":
		return tupl.DurabilityNoFlush, nil
	case "no_redo":
		return tupl.DurabilityNoRedo, nil
	default:
		return 0, &InvalidDurabilityModeError{Value: s}
	}
}

// InvalidDurabilityModeError reports an unrecognized durability_mode value.
type InvalidDurabilityModeError struct {
	Value string
}

func (e *InvalidDurabilityModeError) Error() string {
	return "tupl/config: invalid durability_mode: " + e.Value
}
