package template

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func formatDate(v any) string {
	t, ok := toTime(v)
	if !ok {
		return fmt.Sprint(orEmpty(v))
	}
	return t.Format("January 2, 2006")
}

func formatDateTime(v any) string {
	t, ok := toTime(v)
	if !ok {
		return fmt.Sprint(orEmpty(v))
	}
	return t.Format("January 2, 2006 at 3:04 PM")
}

func equals(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func pluralize(n any, singular, plural string) string {
	if fmt.Sprint(n) == "1" {
		return singular
	}
	return plural
}

// defaultValue is used as {{ .x | default "fallback" }}.
func defaultValue(fallback, v any) any {
	if isEmpty(v) {
		return fallback
	}
	return v
}

func truncate(n int, v any) string {
	s := fmt.Sprint(orEmpty(v))
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func orEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func funcMap() map[string]any {
	return map[string]any{
		"formatDate":     formatDate,
		"formatDateTime": formatDateTime,
		"equals":         equals,
		"pluralize":      pluralize,
		"default":        defaultValue,
		"upper":          func(v any) string { return strings.ToUpper(fmt.Sprint(orEmpty(v))) },
		"lower":          func(v any) string { return strings.ToLower(fmt.Sprint(orEmpty(v))) },
		"truncate":       truncate,
	}
}
