package tools

import (
	"context"
	"fmt"
	"strings"
)

const defaultSearchLimit = 10

// Execute validates params and runs the tool against conn.
func Execute(ctx context.Context, conn Connector, id ToolID, params map[string]any) (map[string]any, error) {
	if err := ValidateParams(id, params); err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("%s: no connector configured", id)
	}
	switch id {
	case SearchContacts, SearchEmails:
		return search(ctx, conn, id, params)
	case CreateTask:
		return createTask(ctx, conn, params)
	case UpdateTask:
		return conn.Invoke(ctx, id, params)
	case CreateCalendarEvent:
		return conn.Invoke(ctx, id, params)
	case SendSlackMessage:
		return sendSlack(ctx, conn, params)
	case SendEmail:
		return sendEmail(ctx, conn, params)
	case DeleteContact:
		return conn.Invoke(ctx, id, params)
	default:
		return nil, fmt.Errorf("%w: %d", ErrNotAllowed, int(id))
	}
}

// Simulate describes what Execute would do without calling any connector.
func Simulate(id ToolID, params map[string]any) (map[string]any, error) {
	if err := ValidateParams(id, params); err != nil {
		return nil, err
	}
	return map[string]any{
		"dry_run":    true,
		"tool":       id.String(),
		"would_send": id.Sends(),
		"risk":       id.StaticRisk().String(),
	}, nil
}

func search(ctx context.Context, conn Connector, id ToolID, params map[string]any) (map[string]any, error) {
	p := copyParams(params)
	p["query"] = strings.TrimSpace(fmt.Sprint(p["query"]))
	if _, ok := p["limit"]; !ok {
		p["limit"] = defaultSearchLimit
	}
	return conn.Invoke(ctx, id, p)
}

func createTask(ctx context.Context, conn Connector, params map[string]any) (map[string]any, error) {
	p := copyParams(params)
	if _, ok := p["priority"]; !ok {
		p["priority"] = "normal"
	}
	return conn.Invoke(ctx, CreateTask, p)
}

func sendSlack(ctx context.Context, conn Connector, params map[string]any) (map[string]any, error) {
	p := copyParams(params)
	channel := strings.TrimSpace(fmt.Sprint(p["channel"]))
	if !strings.HasPrefix(channel, "#") && !strings.HasPrefix(channel, "@") {
		channel = "#" + channel
	}
	p["channel"] = channel
	return conn.Invoke(ctx, SendSlackMessage, p)
}

func sendEmail(ctx context.Context, conn Connector, params map[string]any) (map[string]any, error) {
	p := copyParams(params)
	p["to"] = strings.TrimSpace(fmt.Sprint(p["to"]))
	return conn.Invoke(ctx, SendEmail, p)
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
