package orchestrator

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Orchestrators disagree on what a log endpoint returns: plain text, a
// quoted JSON string, an array of entry objects, or an envelope object
// holding the lines under "content" or "logs". FlattenLog normalizes
// every shape it recognizes into newline-joined plain text and falls
// back to the raw payload for anything else.
func FlattenLog(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return ""
	}
	if !gjson.ValidBytes(raw) {
		return text
	}

	parsed := gjson.ParseBytes(raw)
	switch {
	case parsed.Type == gjson.String:
		return parsed.Str
	case parsed.IsArray():
		return flattenEntries(parsed)
	case parsed.IsObject():
		if content := parsed.Get("content"); content.Exists() {
			if content.Type == gjson.String {
				return content.Str
			}
			if content.IsArray() {
				return flattenEntries(content)
			}
		}
		if logs := parsed.Get("logs"); logs.IsArray() {
			return flattenEntries(logs)
		}
		return text
	default:
		return text
	}
}

func flattenEntries(entries gjson.Result) string {
	var lines []string
	entries.ForEach(func(_, entry gjson.Result) bool {
		if line := entryText(entry); line != "" {
			lines = append(lines, line)
		}
		return true
	})
	return strings.Join(lines, "\n")
}

// entryText pulls the human-readable line out of a single log entry,
// probing the field names the known orchestrators use.
func entryText(entry gjson.Result) string {
	if entry.Type == gjson.String {
		return entry.Str
	}
	for _, field := range []string{"message", "log", "content", "event"} {
		result := entry.Get(field)
		if !result.Exists() {
			continue
		}
		value := result.Str
		if value == "" {
			value = result.Raw
		}
		return value
	}
	return entry.Raw
}
