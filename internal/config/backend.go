package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Backend is the persisted layer beneath environment overrides: a flat set
// of dotted keys mapped to decoded scalars. The YAML file is the production
// implementation.
type Backend interface {
	Lookup(key string) (v any, ok bool)
	Store(key string, v any) error
	Remove(key string) error
}

// asString renders a decoded scalar. YAML turns "30" into an int, so
// non-strings are formatted rather than rejected.
func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		if n > math.MaxInt {
			return 0, fmt.Errorf("%d out of range", n)
		}
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || n < math.MinInt || n > math.MaxInt {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	}
	return 0, fmt.Errorf("unexpected %T", v)
}
