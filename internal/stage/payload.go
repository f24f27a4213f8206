package stage

import (
	"encoding/json"
	"fmt"
	"time"

	"loom/internal/queue"
)

// Payload is the evolving work item document each stage reads and extends.
// Only stage processors and the orchestrator interpret it; the queue store
// treats it as an opaque blob.
type Payload struct {
	// Source is the artifact store key of the originating upload.
	Source string `json:"source,omitempty"`
	// Description is the validate stage's summary of the source material.
	Description string `json:"description,omitempty"`
	// ValidationIssues lists content problems the validate stage flagged
	// without failing the stage outright.
	ValidationIssues []string `json:"validation_issues,omitempty"`
	// SectionOrder and Sections carry the document stage's output.
	SectionOrder []string          `json:"section_order,omitempty"`
	Sections     map[string]string `json:"sections,omitempty"`
	// Components is the specify stage's extracted component list.
	Components []Component `json:"components,omitempty"`
	// Relationships links components by id.
	Relationships []Relationship `json:"relationships,omitempty"`
	// GeneratedFor lists component ids the generate stage produced
	// artifact bundles for.
	GeneratedFor []string `json:"generated_for,omitempty"`
	// ReviewNotes accumulates approval metadata folded in when a reviewer
	// passes or conditionally passes a stage.
	ReviewNotes []ReviewNote `json:"review_notes,omitempty"`
}

// Component is one deployable unit extracted from the documentation.
type Component struct {
	ID        string   `json:"id"`
	Type      string   `json:"type,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Relationship is one directed link between components.
type Relationship struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Kind   string `json:"kind,omitempty"`
}

// ReviewNote records one reviewer decision carried forward into later
// stage prompts.
type ReviewNote struct {
	Stage      string    `json:"stage"`
	Reviewer   string    `json:"reviewer,omitempty"`
	Decision   string    `json:"decision"`
	Comments   string    `json:"comments,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ParsePayload decodes the item's payload document. An empty payload
// yields a zero value rather than an error.
func ParsePayload(item *queue.Item) (*Payload, error) {
	payload := &Payload{}
	if item == nil || item.PayloadJSON == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(item.PayloadJSON), payload); err != nil {
		return nil, fmt.Errorf("parse item payload: %w", err)
	}
	return payload, nil
}

// SavePayload encodes the payload document back onto the item.
func SavePayload(item *queue.Item, payload *Payload) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode item payload: %w", err)
	}
	item.PayloadJSON = string(encoded)
	return nil
}

// NotesForStage renders the review notes relevant to a stage as prompt
// context, most recent last. Empty when no reviewer has touched the stage.
func (p *Payload) NotesForStage(stageName string) string {
	var rendered string
	for _, note := range p.ReviewNotes {
		if note.Stage != stageName || note.Comments == "" {
			continue
		}
		if rendered != "" {
			rendered += "\n"
		}
		rendered += fmt.Sprintf("Reviewer %s (%s): %s", note.Reviewer, note.Decision, note.Comments)
	}
	return rendered
}
