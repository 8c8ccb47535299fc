package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventContent is the tagged variant payload of an event. The concrete type
// must match the event's Kind; ValidateContent enforces this at ingest.
type EventContent interface {
	// ContentKind returns the event kind this payload belongs to.
	ContentKind() EventKind
	// ExtractText returns the text a chunk should be derived from.
	// An empty result means the event produces no chunk.
	ExtractText() string
}

// MessageContent is the payload for kind=message.
type MessageContent struct {
	Text string `json:"text"`
}

func (MessageContent) ContentKind() EventKind { return KindMessage }
func (m MessageContent) ExtractText() string  { return m.Text }

// ToolCallContent is the payload for kind=tool_call.
type ToolCallContent struct {
	Tool string `json:"tool"`
	Args string `json:"args,omitempty"`
}

func (ToolCallContent) ContentKind() EventKind { return KindToolCall }
func (t ToolCallContent) ExtractText() string {
	if t.Args == "" {
		return t.Tool
	}
	return t.Tool + " " + t.Args
}

// ToolResultContent is the payload for kind=tool_result. ExcerptText is
// capped at ingest; when the raw output exceeds the cap, the full payload
// lives in the artifact identified by ArtifactID.
type ToolResultContent struct {
	Tool        string `json:"tool"`
	ExcerptText string `json:"excerpt_text"`
	LineRange   []int  `json:"line_range,omitempty"`
	Truncated   bool   `json:"truncated"`
	ArtifactID  string `json:"artifact_id,omitempty"`
}

func (ToolResultContent) ContentKind() EventKind { return KindToolResult }
func (t ToolResultContent) ExtractText() string  { return t.ExcerptText }

// DecisionContent is the payload for kind=decision events. It mirrors the
// core fields of a Decision record; the event is the ground-truth trace, the
// Decision row is the governance view.
type DecisionContent struct {
	Decision  string   `json:"decision"`
	Rationale []string `json:"rationale,omitempty"`
}

func (DecisionContent) ContentKind() EventKind { return KindDecision }
func (d DecisionContent) ExtractText() string {
	if len(d.Rationale) == 0 {
		return d.Decision
	}
	return d.Decision + "\n" + strings.Join(d.Rationale, "\n")
}

// TaskUpdateContent is the payload for kind=task_update.
type TaskUpdateContent struct {
	Task     string `json:"task"`
	Status   string `json:"status"` // open, in_progress, blocked, done
	Note     string `json:"note,omitempty"`
	Blocking bool   `json:"blocking,omitempty"`
}

func (TaskUpdateContent) ContentKind() EventKind { return KindTaskUpdate }
func (t TaskUpdateContent) ExtractText() string {
	s := t.Task + " [" + t.Status + "]"
	if t.Note != "" {
		s += " " + t.Note
	}
	return s
}

// ArtifactContent is the payload for kind=artifact events, recording that a
// standalone artifact was attached to the session.
type ArtifactContent struct {
	ArtifactID  string `json:"artifact_id"`
	Description string `json:"description,omitempty"`
}

func (ArtifactContent) ContentKind() EventKind { return KindArtifact }
func (a ArtifactContent) ExtractText() string  { return a.Description }

// ValidateContent checks that the payload variant matches the declared kind.
func ValidateContent(kind EventKind, content EventContent) error {
	if content == nil {
		return fmt.Errorf("content required for kind %q", kind)
	}
	if content.ContentKind() != kind {
		return fmt.Errorf("content variant %q does not match kind %q", content.ContentKind(), kind)
	}
	return nil
}

// MarshalContent encodes a content variant for storage. The kind is stored
// alongside on the event row, so the payload is encoded bare.
func MarshalContent(content EventContent) ([]byte, error) {
	return json.Marshal(content)
}

// UnmarshalContent decodes a stored payload into the variant matching kind.
func UnmarshalContent(kind EventKind, data []byte) (EventContent, error) {
	switch kind {
	case KindMessage:
		var c MessageContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindToolCall:
		var c ToolCallContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindToolResult:
		var c ToolResultContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindDecision:
		var c DecisionContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindTaskUpdate:
		var c TaskUpdateContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindArtifact:
		var c ArtifactContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown event kind %q", kind)
}
