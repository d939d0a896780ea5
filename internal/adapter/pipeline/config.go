package pipeline

import (
	"github.com/srirohitha/job-queue/pkg/rowx"
)

// Config carries the per-job pipeline options found under the payload
// "config" block. Every option accepts a camelCase and a snake_case
// spelling; the camelCase one wins when both carry a value.
type Config struct {
	RequiredFields []string
	DedupeOn       []string
	DropNulls      bool
	StrictMode     bool
	NumericField   string
}

// ParseConfig reads pipeline options out of a raw config block. The
// block is untrusted JSON: mistyped values degrade to their zero
// option instead of failing the run.
func ParseConfig(cfg map[string]any) Config {
	numericField, _ := pick(cfg, "numericField", "numeric_field").(string)
	return Config{
		RequiredFields: rowx.StringList(pick(cfg, "requiredFields", "required_fields")),
		DedupeOn:       rowx.StringList(pick(cfg, "dedupeOn", "dedupe_on")),
		DropNulls:      pickBool(cfg, "dropNulls", "drop_nulls"),
		StrictMode:     pickBool(cfg, "strictMode", "strict_mode"),
		NumericField:   numericField,
	}
}

// pick prefers the camelCase key when it holds a non-empty value.
func pick(cfg map[string]any, camel, snake string) any {
	if v := cfg[camel]; truthy(v) {
		return v
	}
	return cfg[snake]
}

// pickBool prefers the camelCase key whenever it is present and
// non-null, even when it is explicitly false.
func pickBool(cfg map[string]any, camel, snake string) bool {
	if v, ok := cfg[camel]; ok && v != nil {
		return truthy(v)
	}
	return truthy(cfg[snake])
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
