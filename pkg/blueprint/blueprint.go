// Package blueprint defines the payload types exchanged between pipeline
// stages: the incoming idea, the evolving project specification, safety and
// advisory verdicts, and the file sets produced by generation stages.
//
// The execution runtime treats stage payloads as opaque values; shape
// checking happens at stage boundaries with As.
package blueprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Idea is the raw project request a pipeline run starts from.
type Idea struct {
	Description string   `json:"description"`
	TargetUsers string   `json:"target_users,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Features    []string `json:"features,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}

// Validate reports whether the idea carries enough to start a run.
func (i Idea) Validate() error {
	if strings.TrimSpace(i.Description) == "" {
		return errors.New("idea description is required")
	}
	return nil
}

// ProjectSpec describes the project a planning agent derived from an idea.
// The design stage may replace it wholesale with a refined version.
type ProjectSpec struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	TechStack       []string `json:"tech_stack,omitempty"`
	FolderStructure []string `json:"folder_structure,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`
	EntryPoint      string   `json:"entry_point,omitempty"`
	UserProfile     string   `json:"user_profile,omitempty"`
	Environment     string   `json:"environment,omitempty"`
}

// SafetyCheck is the verdict of the safety-check stage. Approved=false is a
// business-rule rejection, not a runtime failure: the agent run succeeded,
// the pipeline stops anyway.
type SafetyCheck struct {
	Approved              bool     `json:"approved"`
	Warnings              []string `json:"warnings,omitempty"`
	RequiredConfirmations []string `json:"required_confirmations,omitempty"`
	BlockedKeywords       []string `json:"blocked_keywords,omitempty"`
}

// AdvisoryReport carries optional guidance from the advise stage.
// AccessibilityScore ranges 0..10.
type AdvisoryReport struct {
	Recommendations    []string `json:"recommendations,omitempty"`
	Warnings           []string `json:"warnings,omitempty"`
	EnvironmentFit     string   `json:"environment_fit,omitempty"`
	AccessibilityScore int      `json:"accessibility_score"`
}

// File is a single file produced by a generation stage. Path is relative to
// the project root.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileSet is an ordered collection of generated files.
type FileSet []File

// Paths returns the relative paths in declaration order.
func (fs FileSet) Paths() []string {
	paths := make([]string, len(fs))
	for i, f := range fs {
		paths[i] = f.Path
	}
	return paths
}

// As decodes a stage payload into out, which must be a non-nil pointer.
// Payloads cross the runtime as opaque values: a typed struct from an
// in-process agent, a map[string]any from a checkpoint round-trip, or raw
// JSON; a JSON round-trip normalizes all three.
func As(v any, out any) error {
	if v == nil {
		return fmt.Errorf("decode into %T: payload is nil", out)
	}

	var raw []byte
	switch p := v.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}

	if len(raw) == 0 {
		return fmt.Errorf("decode into %T: payload is empty", out)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode into %T: %w", out, err)
	}
	return nil
}

// Slug converts a project name into a filesystem-safe directory name:
// lowercased, with runs of non-alphanumeric characters collapsed into
// single hyphens. Returns "" when nothing survives.
func Slug(name string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}
