package signature

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Fields is the logical field set fed into the signature function
type Fields map[string]any

// Canonicalize renders fields as sorted key=value pairs joined with "&".
// Entries whose value is nil (or a nil pointer) are dropped.
func Canonicalize(fields Fields) string {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if isNil(v) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(scalar(fields[k]))
	}
	return b.String()
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// scalar renders a value the way a JavaScript template literal would for the
// scalar types clients send: integers without exponent, booleans as true/false.
func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case *string:
		return *t
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case *int64:
		return strconv.FormatInt(*t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
