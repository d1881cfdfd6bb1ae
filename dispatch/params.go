package dispatch

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ferro-labs/openai-relay/identity"
	"github.com/ferro-labs/openai-relay/modelstore"
)

// paramCasts lists the model parameters copied onto requests and the type
// each must be coerced to.
var paramCasts = map[string]func(any) (any, bool){
	"temperature":       asFloat,
	"top_p":             asFloat,
	"min_p":             asFloat,
	"frequency_penalty": asFloat,
	"presence_penalty":  asFloat,
	"max_tokens":        asInt,
	"seed":              asInt,
	"reasoning_effort":  asString,
	"stop":              asStop,
	"logit_bias":        asObject,
}

// ApplyParams overwrites request fields with the model's stored parameter
// values. Unknown keys, nil values and values of the wrong type are ignored.
func ApplyParams(req *Request, params modelstore.Params) {
	for key, cast := range paramCasts {
		raw, ok := params[key]
		if !ok || raw == nil {
			continue
		}
		if v, ok := cast(raw); ok {
			req.setParam(key, v)
		}
	}
}

// ApplySystemPrompt renders the model's "system" parameter and places it at
// the start of the conversation. An existing leading system message with
// text content gets the rendered prompt prepended; otherwise a new system
// message is inserted first.
func ApplySystemPrompt(req *Request, params modelstore.Params, caller *identity.Caller, now time.Time) {
	system, _ := params["system"].(string)
	if strings.TrimSpace(system) == "" {
		return
	}
	if vars, ok := req.Metadata["variables"].(map[string]any); ok {
		system = renderVariables(system, vars)
	}
	system = RenderPrompt(system, caller, now)

	if len(req.Messages) > 0 && req.Messages[0].Role() == "system" {
		if existing, ok := req.Messages[0].Content(); ok {
			req.Messages[0]["content"] = system + "\n" + existing
			return
		}
	}
	req.Messages = append([]Message{{"role": "system", "content": system}}, req.Messages...)
}

// RenderPrompt substitutes the built-in template variables in s.
func RenderPrompt(s string, caller *identity.Caller, now time.Time) string {
	name, email := "Unknown", "Unknown"
	if caller != nil {
		if caller.Name != "" {
			name = caller.Name
		}
		if caller.Email != "" {
			email = caller.Email
		}
	}
	r := strings.NewReplacer(
		"{{CURRENT_DATETIME}}", now.Format("2006-01-02 15:04:05"),
		"{{CURRENT_DATE}}", now.Format("2006-01-02"),
		"{{CURRENT_TIME}}", now.Format("15:04:05"),
		"{{CURRENT_WEEKDAY}}", now.Weekday().String(),
		"{{USER_NAME}}", name,
		"{{USER_EMAIL}}", email,
	)
	return r.Replace(s)
}

func renderVariables(s string, vars map[string]any) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, k, fmt.Sprint(v))
	}
	return s
}

func asFloat(v any) (any, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return nil, false
}

func asInt(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return nil, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return nil, false
}

func asString(v any) (any, bool) {
	s, ok := v.(string)
	return s, ok
}

// asStop accepts a string or a list of strings; escape sequences such as
// \n are decoded.
func asStop(v any) (any, bool) {
	var items []string
	switch s := v.(type) {
	case string:
		items = []string{s}
	case []string:
		items = s
	case []any:
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, false
			}
			items = append(items, str)
		}
	default:
		return nil, false
	}
	out := make([]string, len(items))
	for i, s := range items {
		if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
			s = u
		}
		out[i] = s
	}
	return out, true
}

func asObject(v any) (any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
