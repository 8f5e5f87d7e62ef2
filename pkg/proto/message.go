// Package proto defines the message and turn data model shared by the
// session core and its collaborators.
package proto

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ValidateRole validates if a string is a valid role.
func ValidateRole(role string) (Role, bool) {
	switch Role(role) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(role), true
	default:
		return "", false
	}
}

// ParseRole parses a string into a Role with validation.
func ParseRole(s string) (Role, error) {
	normalized := strings.ToLower(s)
	if role, ok := ValidateRole(normalized); ok {
		return role, nil
	}
	return "", fmt.Errorf("unknown role: %s", s)
}

// String returns the string representation of Role.
func (r Role) String() string {
	return string(r)
}

// PartType identifies the kind of content a part carries.
type PartType string

const (
	PartText       PartType = "text"
	PartAttachment PartType = "attachment"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartReasoning  PartType = "reasoning"
)

// Part is one ordered content element of a message.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	ToolInput  string      `json:"tool_input,omitempty"`
	ToolOutput string      `json:"tool_output,omitempty"`
}

// TextPart builds a plain text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Attachment is a file referenced by a message. Content is materialized into
// snapshot messages at send time; the attachment itself carries metadata and
// the raw bytes needed for provider upload.
type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Pages    int    `json:"pages,omitempty"` // PDF page count, 0 when unknown or N/A
	Data     []byte `json:"data,omitempty"`
}

// IsPDF reports whether the attachment is a PDF document.
func (a *Attachment) IsPDF() bool {
	return a.MIMEType == "application/pdf" || strings.HasSuffix(strings.ToLower(a.Name), ".pdf")
}

// Usage captures token accounting reported by the streaming collaborator.
type Usage struct {
	InputTokens   int `json:"input_tokens"`
	OutputTokens  int `json:"output_tokens"`
	ContextTokens int `json:"context_tokens"` // total context occupancy after the turn
}

// ThinkingLevel controls the reasoning effort requested from the model.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// ToolPolicy controls which tools the turn may invoke.
type ToolPolicy string

const (
	ToolsAll      ToolPolicy = "all"
	ToolsReadOnly ToolPolicy = "read_only"
	ToolsNone     ToolPolicy = "none"
)

// ReplayHints captures the options a turn was sent with so a later resume can
// replay it faithfully after a restart.
type ReplayHints struct {
	Model         string        `json:"model,omitempty"`
	Agent         string        `json:"agent,omitempty"`
	ThinkingLevel ThinkingLevel `json:"thinking_level,omitempty"`
	ToolPolicy    ToolPolicy    `json:"tool_policy,omitempty"`
}

// FollowUp is a deferred send carried on a compaction-request message. It is
// dispatched as a genuinely new turn once the compaction sub-turn completes.
type FollowUp struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReviewNotes []string     `json:"review_notes,omitempty"`
	Options     SendOptions  `json:"options"`
}

// Meta is message metadata, appended at creation and never edited in place.
type Meta struct {
	Seq             int64              `json:"seq"` // assigned at persistence time
	CreatedAt       time.Time          `json:"created_at"`
	Model           string             `json:"model,omitempty"`
	ThinkingLevel   ThinkingLevel      `json:"thinking_level,omitempty"`
	Usage           *Usage             `json:"usage,omitempty"`
	Synthetic       bool               `json:"synthetic,omitempty"` // system-generated, not typed by the user
	Snapshot        bool               `json:"snapshot,omitempty"`  // materialized file/skill reference
	CompactionID    string             `json:"compaction_id,omitempty"`
	Compaction      *CompactionRequest `json:"compaction_request,omitempty"` // set on compaction request messages
	PendingFollowUp *FollowUp          `json:"pending_follow_up,omitempty"`
	Replay          *ReplayHints       `json:"replay,omitempty"`
	Error           string             `json:"error,omitempty"` // terminal user-visible failure text
}

// Message is immutable once persisted. Truncation removes messages from the
// tail; byte content is never edited in place.
type Message struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
	Meta  Meta   `json:"meta"`
}

// NewMessage creates an unpersisted message with a fresh ID.
func NewMessage(role Role, parts ...Part) *Message {
	return &Message{
		ID:    NewMessageID(),
		Role:  role,
		Parts: parts,
		Meta:  Meta{CreatedAt: time.Now().UTC()},
	}
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	var sb strings.Builder
	for i := range m.Parts {
		if m.Parts[i].Type == PartText {
			sb.WriteString(m.Parts[i].Text)
		}
	}
	return sb.String()
}

// Clone returns a deep copy safe for concurrent handoff to observers.
func (m *Message) Clone() *Message {
	clone := *m
	clone.Parts = make([]Part, len(m.Parts))
	copy(clone.Parts, m.Parts)
	if m.Meta.Usage != nil {
		usage := *m.Meta.Usage
		clone.Meta.Usage = &usage
	}
	if m.Meta.Replay != nil {
		replay := *m.Meta.Replay
		clone.Meta.Replay = &replay
	}
	if m.Meta.PendingFollowUp != nil {
		fu := *m.Meta.PendingFollowUp
		fu.Attachments = append([]Attachment(nil), m.Meta.PendingFollowUp.Attachments...)
		fu.ReviewNotes = append([]string(nil), m.Meta.PendingFollowUp.ReviewNotes...)
		clone.Meta.PendingFollowUp = &fu
	}
	return &clone
}

// Validate checks structural requirements before persistence.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	if _, ok := ValidateRole(string(m.Role)); !ok {
		return fmt.Errorf("invalid role: %s", m.Role)
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("message must have at least one part")
	}
	return nil
}

// SendOptions carries everything a caller may set on a send. Model is
// mandatory; the rest resolve through the documented precedence order
// (persisted per-agent > caller-supplied > workspace default > fallback).
type SendOptions struct {
	Model         string        `json:"model"` // canonical provider:model-id
	Agent         string        `json:"agent,omitempty"`
	ThinkingLevel ThinkingLevel `json:"thinking_level,omitempty"`
	ToolPolicy    ToolPolicy    `json:"tool_policy,omitempty"`
	Instructions  string        `json:"instructions,omitempty"`
	LargeContext  bool          `json:"large_context,omitempty"` // provider larger-context mode
	Synthetic     bool          `json:"synthetic,omitempty"`     // system-generated send (handoff, follow-up)
}

// QueuedMessage is the single composite message accumulated while a session
// is busy. Repeated queue calls replace it before a flush.
type QueuedMessage struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReviewNotes []string     `json:"review_notes,omitempty"`
	Options     SendOptions  `json:"options"`
}

// CompactionSource tags why a compaction request was created.
type CompactionSource string

const (
	CompactExplicit  CompactionSource = "explicit"
	CompactOnSend    CompactionSource = "auto_on_send"
	CompactMidStream CompactionSource = "auto_mid_stream"
)

// CompactionRequest exists from the moment a compaction-triggering turn is
// persisted until its stream ends.
type CompactionRequest struct {
	ID      string           `json:"id"`
	Model   string           `json:"model"`
	Options SendOptions      `json:"options"`
	Source  CompactionSource `json:"source"`
}

// NewMessageID generates a new UUID for a message.
func NewMessageID() string {
	return uuid.New().String()
}

// NewCompactionID generates a new UUID for a compaction request.
func NewCompactionID() string {
	return uuid.New().String()
}
