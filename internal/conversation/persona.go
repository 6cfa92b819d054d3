package conversation

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed persona.yaml
var defaultPersonaYAML []byte

// Persona is the doctor's instructions and canned greeting.
type Persona struct {
	Name         string `yaml:"name"`
	Greeting     string `yaml:"greeting"`
	Instructions string `yaml:"instructions"`
}

// DefaultPersona returns the built-in persona.
func DefaultPersona() Persona {
	p, err := parsePersona(defaultPersonaYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded persona: %v", err))
	}
	return p
}

// LoadPersona reads a persona YAML file. An empty path yields the default.
// Fields missing from the file keep their default values.
func LoadPersona(path string) (Persona, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultPersona(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("read persona file: %w", err)
	}
	p, err := parsePersona(raw)
	if err != nil {
		return Persona{}, fmt.Errorf("parse persona file %s: %w", path, err)
	}
	d := DefaultPersona()
	if p.Name == "" {
		p.Name = d.Name
	}
	if p.Greeting == "" {
		p.Greeting = d.Greeting
	}
	if p.Instructions == "" {
		p.Instructions = d.Instructions
	}
	return p, nil
}

func parsePersona(raw []byte) (Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Persona{}, err
	}
	p.Name = strings.TrimSpace(p.Name)
	p.Greeting = strings.TrimSpace(p.Greeting)
	p.Instructions = strings.TrimSpace(p.Instructions)
	return p, nil
}
