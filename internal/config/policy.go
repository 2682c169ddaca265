package config

import (
	"fmt"
	"os"

	"github.com/ashureev/shsh-proctor/internal/proctor"
	"gopkg.in/yaml.v3"
)

// Policy is the proctoring policy: which shortcuts are suppressed and how
// many violations each assessment tolerates.
type Policy struct {
	MaxViolations    int            `yaml:"max_violations"`
	BlockedShortcuts []string       `yaml:"blocked_shortcuts"`
	Assessments      map[string]int `yaml:"assessments"`

	shortcuts *proctor.ShortcutSet
}

// DefaultPolicy uses the built-in shortcut set and a single tolerance.
func DefaultPolicy(maxViolations int) *Policy {
	return &Policy{
		MaxViolations: maxViolations,
		shortcuts:     proctor.DefaultShortcuts(),
	}
}

// LoadPolicy reads a YAML policy file. Fields left out of the file fall back
// to maxViolations and the built-in shortcut set.
func LoadPolicy(path string, maxViolations int) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data, maxViolations)
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte, maxViolations int) (*Policy, error) {
	p := &Policy{MaxViolations: maxViolations}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if p.MaxViolations < 0 {
		return nil, fmt.Errorf("max_violations must be >= 0")
	}
	for id, n := range p.Assessments {
		if n < 0 {
			return nil, fmt.Errorf("assessment %q: max violations must be >= 0", id)
		}
	}

	if len(p.BlockedShortcuts) == 0 {
		p.shortcuts = proctor.DefaultShortcuts()
		return p, nil
	}
	set, err := proctor.ParseShortcutSet(p.BlockedShortcuts)
	if err != nil {
		return nil, err
	}
	p.shortcuts = set
	return p, nil
}

// Shortcuts returns the blocked key combinations.
func (p *Policy) Shortcuts() *proctor.ShortcutSet {
	if p.shortcuts == nil {
		return proctor.DefaultShortcuts()
	}
	return p.shortcuts
}

// MaxViolationsFor returns the tolerance for an assessment.
func (p *Policy) MaxViolationsFor(assessmentID string) int {
	if n, ok := p.Assessments[assessmentID]; ok {
		return n
	}
	return p.MaxViolations
}
