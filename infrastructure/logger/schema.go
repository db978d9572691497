package logger

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 定义每个同步事件所需的关键字段，便于集中校验。
type Schema struct {
	Event    string
	Required []string
}

var schemas = map[string]Schema{
	"sync_failed": {
		Event:    "sync_failed",
		Required: []string{"reason", "has_snapshot"},
	},
	"sync_recovered": {
		Event:    "sync_recovered",
		Required: []string{"margin_ratio"},
	},
	"risk_change": {
		Event:    "risk_change",
		Required: []string{"from", "to", "margin_ratio"},
	},
}

// KnownEvents 返回所有事件名，便于外部生成文档。
func KnownEvents() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ValidateEvent 检查字段是否包含 schema 中要求的 key；未登记的事件不校验。
func ValidateEvent(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s missing fields: %s", event, strings.Join(missing, ","))
	}
	return nil
}
