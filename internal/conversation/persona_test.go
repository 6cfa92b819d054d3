package conversation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultPersonaIsComplete(t *testing.T) {
	p := DefaultPersona()
	if p.Name == "" || p.Greeting == "" || !strings.Contains(p.Instructions, ToolFlagEmergency) {
		t.Fatalf("default persona incomplete: %+v", p)
	}
}

func TestLoadPersonaOverridesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	if err := os.WriteFile(path, []byte("name: Dr. Rao\ngreeting: Namaste, how can I help?\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	p, err := LoadPersona(path)
	if err != nil {
		t.Fatalf("LoadPersona() error = %v", err)
	}
	if p.Name != "Dr. Rao" || p.Greeting != "Namaste, how can I help?" {
		t.Fatalf("persona = %+v", p)
	}
	if p.Instructions != DefaultPersona().Instructions {
		t.Fatalf("missing instructions should keep the default")
	}
}

func TestLoadPersonaRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	if err := os.WriteFile(path, []byte("name: [unclosed\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := LoadPersona(path); err == nil {
		t.Fatalf("LoadPersona() expected parse error")
	}
}

func TestProjectClinicalContext(t *testing.T) {
	got, err := testClinical.Project([]string{"allergies", "medications"})
	if err != nil {
		t.Fatalf("Project() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Project() returned %d fields, want 2", len(got))
	}
	all, err := ClinicalContext{}.Project(nil)
	if err != nil {
		t.Fatalf("Project(nil) error = %v", err)
	}
	if len(all) != len(contextFields) {
		t.Fatalf("Project(nil) returned %d fields, want %d", len(all), len(contextFields))
	}
	if _, err := testClinical.Project([]string{"genome"}); err == nil {
		t.Fatalf("Project() expected error for unknown field")
	}
}

func TestPromptBlockTruncates(t *testing.T) {
	c := ClinicalContext{Documents: []Document{{Title: "note", Summary: strings.Repeat("z", 1000)}}}
	block := c.PromptBlock(50)
	if !strings.Contains(block, "clinical context truncated") {
		t.Fatalf("PromptBlock() did not truncate: %d chars", len(block))
	}
}
