package policy

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/clawinfra/warden/internal/sandbox"
)

// FilterPack is a named set of command filter patterns distributed as a
// TOML file. Packs only add patterns; they never relax a filter.
type FilterPack struct {
	Pack         PackInfo                   `toml:"pack"`
	Forbidden    []PatternSpec              `toml:"forbidden"`
	Dangerous    []DangerousSpec            `toml:"dangerous"`
	Restrictions map[string]RestrictionSpec `toml:"restrictions"`
}

// PackInfo identifies the pack.
type PackInfo struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
}

// PatternSpec is the TOML form of a command pattern.
type PatternSpec struct {
	Kind    string `toml:"kind"` // "exact", "prefix", "regex"
	Command string `toml:"command,omitempty"`
	Prefix  string `toml:"prefix,omitempty"`
	Pattern string `toml:"pattern,omitempty"`
}

// DangerousSpec is the TOML form of a dangerous pattern.
type DangerousSpec struct {
	Pattern     string `toml:"pattern"`
	Description string `toml:"description"`
	RiskLevel   string `toml:"risk_level"`
	AutoBlock   bool   `toml:"auto_block"`
}

// RestrictionSpec is the TOML form of a per-operation parameter
// restriction, keyed by operation name.
type RestrictionSpec struct {
	ForbiddenValues []string `toml:"forbidden_values"`
	MaxLength       int      `toml:"max_length"`
	Pattern         string   `toml:"pattern"`
}

// LoadFilterPack reads and validates a filter pack file.
func LoadFilterPack(path string) (*FilterPack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filter pack: %w", err)
	}

	var pack FilterPack
	if err := toml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse filter pack: %w", err)
	}
	if err := pack.Validate(); err != nil {
		return nil, err
	}
	return &pack, nil
}

// LoadFilterPacks loads every pack path in order.
func LoadFilterPacks(paths []string) ([]*FilterPack, error) {
	packs := make([]*FilterPack, 0, len(paths))
	for _, path := range paths {
		pack, err := LoadFilterPack(path)
		if err != nil {
			return nil, err
		}
		packs = append(packs, pack)
	}
	return packs, nil
}

// Validate checks the pack's pattern specs.
func (p *FilterPack) Validate() error {
	if p.Pack.Name == "" {
		return fmt.Errorf("filter pack: missing pack name")
	}
	for i, spec := range p.Forbidden {
		if _, err := spec.toPattern(); err != nil {
			return fmt.Errorf("filter pack %s: forbidden[%d]: %w", p.Pack.Name, i, err)
		}
	}
	for i, spec := range p.Dangerous {
		if spec.Pattern == "" {
			return fmt.Errorf("filter pack %s: dangerous[%d]: missing pattern", p.Pack.Name, i)
		}
	}
	for op, spec := range p.Restrictions {
		if len(spec.ForbiddenValues) == 0 && spec.MaxLength == 0 && spec.Pattern == "" {
			return fmt.Errorf("filter pack %s: restriction %q is empty", p.Pack.Name, op)
		}
	}
	return nil
}

func (s *PatternSpec) toPattern() (sandbox.CommandPattern, error) {
	switch s.Kind {
	case "exact":
		if s.Command == "" {
			return sandbox.CommandPattern{}, fmt.Errorf("exact pattern requires command")
		}
		return sandbox.ExactPattern(s.Command), nil
	case "prefix":
		if s.Prefix == "" {
			return sandbox.CommandPattern{}, fmt.Errorf("prefix pattern requires prefix")
		}
		return sandbox.PrefixPattern(s.Prefix), nil
	case "regex":
		if s.Pattern == "" {
			return sandbox.CommandPattern{}, fmt.Errorf("regex pattern requires pattern")
		}
		return sandbox.RegexPattern(s.Pattern), nil
	default:
		return sandbox.CommandPattern{}, fmt.Errorf("unknown pattern kind %q", s.Kind)
	}
}

// Apply appends the pack's patterns to a command filter.
func (p *FilterPack) Apply(filter *sandbox.CommandFilter) {
	for _, spec := range p.Forbidden {
		pattern, err := spec.toPattern()
		if err != nil {
			continue
		}
		filter.ForbiddenCommands = append(filter.ForbiddenCommands, pattern)
	}
	for _, spec := range p.Dangerous {
		filter.DangerousPatterns = append(filter.DangerousPatterns, sandbox.DangerousPattern{
			Pattern:     spec.Pattern,
			Description: spec.Description,
			RiskLevel:   sandbox.RiskLevel(spec.RiskLevel),
			AutoBlock:   spec.AutoBlock,
		})
	}
	if len(p.Restrictions) > 0 && filter.ParameterRestrictions == nil {
		filter.ParameterRestrictions = make(map[string]sandbox.ParameterRestriction)
	}
	for op, spec := range p.Restrictions {
		restriction := filter.ParameterRestrictions[op]
		restriction.ForbiddenValues = append(restriction.ForbiddenValues, spec.ForbiddenValues...)
		if spec.MaxLength > 0 && (restriction.MaxLength == 0 || spec.MaxLength < restriction.MaxLength) {
			restriction.MaxLength = spec.MaxLength
		}
		if restriction.PatternValidation == "" {
			restriction.PatternValidation = spec.Pattern
		}
		filter.ParameterRestrictions[op] = restriction
	}
}
