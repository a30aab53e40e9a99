package tools

import (
	"errors"
	"fmt"
	"strings"

	"taskpilot/internal/risk"
)

// ErrNotAllowed is returned for any tool identifier outside the compiled-in allow-list.
var ErrNotAllowed = errors.New("tool not in allow-list")

// ToolID enumerates every tool the gatekeeper can run. A ToolID can only be
// produced from the allow-list, so decoding an unknown name fails.
type ToolID int

const (
	SearchContacts ToolID = iota + 1
	SearchEmails
	CreateTask
	UpdateTask
	CreateCalendarEvent
	SendSlackMessage
	SendEmail
	DeleteContact
)

type Tool struct {
	ID   ToolID
	Name string
	// Risk is the static risk of calling the tool at all, independent of parameters.
	Risk risk.Level
	// Sends marks tools that deliver a message outside the tenant and count against sends_per_day.
	Sends    bool
	ReadOnly bool
}

var registry = [...]Tool{
	{ID: SearchContacts, Name: "search_contacts", Risk: risk.None, ReadOnly: true},
	{ID: SearchEmails, Name: "search_emails", Risk: risk.None, ReadOnly: true},
	{ID: CreateTask, Name: "create_task", Risk: risk.Low},
	{ID: UpdateTask, Name: "update_task", Risk: risk.Low},
	{ID: CreateCalendarEvent, Name: "create_calendar_event", Risk: risk.Medium},
	{ID: SendSlackMessage, Name: "send_slack_message", Risk: risk.Medium, Sends: true},
	{ID: SendEmail, Name: "send_email", Risk: risk.High, Sends: true},
	{ID: DeleteContact, Name: "delete_contact", Risk: risk.Critical},
}

// Registry returns a copy of the allow-list in declaration order.
func Registry() []Tool {
	out := make([]Tool, len(registry))
	copy(out, registry[:])
	return out
}

func (id ToolID) lookup() (Tool, bool) {
	idx := int(id) - 1
	if idx < 0 || idx >= len(registry) {
		return Tool{}, false
	}
	return registry[idx], true
}

func (id ToolID) Valid() bool {
	_, ok := id.lookup()
	return ok
}

func (id ToolID) String() string {
	if t, ok := id.lookup(); ok {
		return t.Name
	}
	return fmt.Sprintf("tool(%d)", int(id))
}

// StaticRisk is the fixed risk table entry for the tool. Unknown ids are critical.
func (id ToolID) StaticRisk() risk.Level {
	if t, ok := id.lookup(); ok {
		return t.Risk
	}
	return risk.Critical
}

func (id ToolID) Sends() bool {
	t, ok := id.lookup()
	return ok && t.Sends
}

func (id ToolID) ReadOnly() bool {
	t, ok := id.lookup()
	return ok && t.ReadOnly
}

func Parse(name string) (ToolID, error) {
	name = strings.TrimSpace(name)
	for _, t := range registry {
		if t.Name == name {
			return t.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrNotAllowed, name)
}

func (id ToolID) MarshalText() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrNotAllowed, int(id))
	}
	return []byte(id.String()), nil
}

func (id *ToolID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Names lists allow-listed tool names, used to build the plan schema enum.
func Names() []string {
	out := make([]string, 0, len(registry))
	for _, t := range registry {
		out = append(out, t.Name)
	}
	return out
}
