package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Shard assigns one residue class of the account key space to the workers
// running the named roles. An account belongs to the shard when the sum of
// its key bytes modulo Modulus equals Remainder.
type Shard struct {
	Remainder int      `yaml:"remainder"`
	Modulus   int      `yaml:"modulus"`
	Roles     []string `yaml:"roles"`
}

// Covers reports whether the shard applies to the given role. A shard with
// no roles applies to every role.
func (s Shard) Covers(role string) bool {
	if len(s.Roles) == 0 {
		return true
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Shards is the full shard layout for a deployment.
type Shards struct {
	Shards []Shard `yaml:"shards"`
}

// ForRole returns the shard assignment for the given role. Without a
// matching entry the whole key space belongs to this worker.
func (s *Shards) ForRole(role string) Shard {
	if s != nil {
		for _, shard := range s.Shards {
			if shard.Covers(role) {
				return shard
			}
		}
	}
	return Shard{Remainder: 0, Modulus: 1}
}

// LoadShards loads the shard layout from the given path.
func LoadShards(path string) (*Shards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg Shards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	for i, shard := range cfg.Shards {
		if shard.Modulus <= 0 {
			return nil, fmt.Errorf("shards[%d].modulus must be greater than 0", i)
		}
		if shard.Remainder < 0 || shard.Remainder >= shard.Modulus {
			return nil, fmt.Errorf("shards[%d].remainder must be in [0, modulus)", i)
		}
		for _, role := range shard.Roles {
			if !validRole(role) {
				return nil, fmt.Errorf("shards[%d] names unknown role '%s'", i, role)
			}
		}
	}
	return &cfg, nil
}
