package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/leadboard/internal/pipeline"
)

type EventType string

const (
	EventLeadStageChanged      EventType = "stage_change"
	EventLeadCreated           EventType = "lead_created"
	EventLeadUpdated           EventType = "lead_updated"
	EventLeadDeleted           EventType = "lead_deleted"
	EventUserActivity          EventType = "user_activity"
	EventUserDragging          EventType = "user_dragging"
	EventConnectionEstablished EventType = "connection_established"

	// EventResyncRequired replaces a lead event whose payload could not be
	// applied safely. Subscribers should reload the whole board.
	EventResyncRequired EventType = "resync_required"
)

var inboundTypes = map[string]EventType{
	"stage_change":           EventLeadStageChanged,
	"lead_stage_changed":     EventLeadStageChanged,
	"lead_created":           EventLeadCreated,
	"lead_updated":           EventLeadUpdated,
	"lead_deleted":           EventLeadDeleted,
	"user_activity":          EventUserActivity,
	"user_dragging":          EventUserDragging,
	"connection_established": EventConnectionEstablished,
}

type ActiveUser struct {
	UserID         string    `json:"user_id"`
	FullName       string    `json:"full_name"`
	DraggingLeadID string    `json:"dragging_lead_id,omitempty"`
	LastSeen       time.Time `json:"last_seen"`
}

// Event is a decoded push message. Lead events carry a resolvable LeadID
// and, except for deletes, a known Stage. Lead is nil when the message named
// the lead without a full payload.
type Event struct {
	Type          EventType
	LeadID        string
	Stage         pipeline.Stage
	PreviousStage pipeline.Stage
	Lead          *pipeline.Lead
	UserID        string
	FullName      string
	Timestamp     time.Time
	ActiveUsers   []ActiveUser
	Reason        string
}

type inboundMessage struct {
	Type        string         `json:"type"`
	Lead        *pipeline.Lead `json:"lead,omitempty"`
	LeadID      string         `json:"lead_id,omitempty"`
	OldStage    string         `json:"old_stage,omitempty"`
	NewStage    string         `json:"new_stage,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	FullName    string         `json:"full_name,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	ActiveUsers []ActiveUser   `json:"active_users,omitempty"`
}

const inboundSchemaJSON = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"lead": {
			"type": "object",
			"properties": {
				"id": {"type": "string"},
				"name": {"type": "string"},
				"stage": {"type": "string"},
				"tags": {"type": ["array", "null"], "items": {"type": "string"}},
				"estimated_value": {"type": ["number", "null"], "minimum": 0}
			}
		},
		"lead_id": {"type": "string"},
		"old_stage": {"type": "string"},
		"new_stage": {"type": "string"},
		"user_id": {"type": "string"},
		"full_name": {"type": "string"},
		"timestamp": {"type": "string"},
		"active_users": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["user_id"],
				"properties": {
					"user_id": {"type": "string"},
					"full_name": {"type": "string"}
				}
			}
		}
	}
}`

var inboundSchema = mustCompileInboundSchema()

func mustCompileInboundSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("parse inbound schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inbound.json", doc); err != nil {
		panic(fmt.Sprintf("add inbound schema: %v", err))
	}
	schema, err := compiler.Compile("inbound.json")
	if err != nil {
		panic(fmt.Sprintf("compile inbound schema: %v", err))
	}
	return schema
}

// DecodeFrame turns one push frame into an Event. ok is false for well-formed
// messages of a type this client does not handle. Malformed frames and lead
// events that cannot be mapped onto the board decode as EventResyncRequired.
func DecodeFrame(data []byte, now time.Time) (Event, bool) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return resync("", fmt.Sprintf("undecodable frame: %v", err)), true
	}
	rawType := ""
	if obj, isObj := instance.(map[string]any); isObj {
		rawType, _ = obj["type"].(string)
	}
	if err := inboundSchema.Validate(instance); err != nil {
		if _, known := inboundTypes[rawType]; rawType != "" && !known {
			return Event{}, false
		}
		return resync("", fmt.Sprintf("invalid %s frame: %v", displayType(rawType), err)), true
	}
	eventType, known := inboundTypes[rawType]
	if !known {
		return Event{}, false
	}

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return resync("", fmt.Sprintf("invalid %s payload: %v", rawType, err)), true
	}
	ev := Event{
		Type:        eventType,
		UserID:      strings.TrimSpace(msg.UserID),
		FullName:    strings.TrimSpace(msg.FullName),
		Timestamp:   parseTimestamp(msg.Timestamp, now),
		ActiveUsers: msg.ActiveUsers,
	}
	if msg.Lead != nil {
		ev.LeadID = strings.TrimSpace(msg.Lead.ID)
	}
	if ev.LeadID == "" {
		ev.LeadID = strings.TrimSpace(msg.LeadID)
	}

	switch eventType {
	case EventLeadStageChanged, EventLeadCreated, EventLeadUpdated:
		if ev.LeadID == "" {
			return resync("", fmt.Sprintf("%s without lead id", rawType)), true
		}
		rawStage := ""
		if msg.Lead != nil {
			rawStage = string(msg.Lead.Stage)
		}
		if rawStage == "" && eventType == EventLeadStageChanged {
			rawStage = msg.NewStage
		}
		stage, ok := pipeline.ParseStage(rawStage)
		if !ok {
			return resync(ev.LeadID, fmt.Sprintf("%s with unknown stage %q", rawType, rawStage)), true
		}
		ev.Stage = stage
		if previous, ok := pipeline.ParseStage(msg.OldStage); ok {
			ev.PreviousStage = previous
		}
		if msg.Lead != nil {
			lead := *msg.Lead
			lead.ID = ev.LeadID
			lead.Stage = stage
			ev.Lead = &lead
		} else if eventType != EventLeadStageChanged {
			return resync(ev.LeadID, fmt.Sprintf("%s without lead payload", rawType)), true
		}
	case EventLeadDeleted:
		if ev.LeadID == "" {
			return resync("", "lead_deleted without lead id"), true
		}
	case EventUserActivity, EventUserDragging:
		if ev.UserID == "" {
			return Event{}, false
		}
	}
	return ev, true
}

func resync(leadID, reason string) Event {
	return Event{Type: EventResyncRequired, LeadID: leadID, Reason: reason}
}

func displayType(rawType string) string {
	if rawType == "" {
		return "untyped"
	}
	return rawType
}

func parseTimestamp(raw string, fallback time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return fallback
}

type StageChangeMessage struct {
	Type      string         `json:"type"`
	LeadID    string         `json:"lead_id"`
	OldStage  pipeline.Stage `json:"old_stage"`
	NewStage  pipeline.Stage `json:"new_stage"`
	LeadName  string         `json:"lead_name"`
	Timestamp string         `json:"timestamp"`
}

func NewStageChangeMessage(lead pipeline.Lead, from, to pipeline.Stage, at time.Time) StageChangeMessage {
	return StageChangeMessage{
		Type:      string(EventLeadStageChanged),
		LeadID:    lead.ID,
		OldStage:  from,
		NewStage:  to,
		LeadName:  lead.Name,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}

type DragStartMessage struct {
	Type      string `json:"type"`
	LeadID    string `json:"leadId"`
	Timestamp string `json:"timestamp"`
}

func NewDragStartMessage(leadID string, at time.Time) DragStartMessage {
	return DragStartMessage{
		Type:      "lead_drag_start",
		LeadID:    leadID,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}
