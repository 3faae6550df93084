// Package environ builds the string-only environment handed to a spawned
// worker.
package environ

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mattjoyce/deployd/internal/deployment"
)

// Sanitize merges overrides on top of ambient and returns a fresh map whose
// values are all text. Overrides win over ambient keys with the same name.
// Neither input is modified.
func Sanitize(ambient map[string]string, overrides []deployment.EnvVar) map[string]string {
	out := make(map[string]string, len(ambient)+len(overrides))
	for k, v := range ambient {
		out[k] = v
	}
	for _, e := range overrides {
		if e.Name == "" {
			continue
		}
		out[e.Name] = Coerce(e.Value)
	}
	return out
}

// Coerce renders a scalar override value as text. nil becomes "".
func Coerce(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	case int:
		return strconv.Itoa(x)
	case int8, int16, int32, int64:
		return fmt.Sprintf("%d", x)
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x)
	case float32:
		return formatFloat(float64(x), 32)
	case float64:
		return formatFloat(x, 64)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64, bits int) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, bits)
	}
	return strconv.FormatFloat(f, 'f', -1, bits)
}

// Ambient returns the current process environment as a map. Entries without
// "=" are skipped.
func Ambient() map[string]string {
	return FromList(os.Environ())
}

// FromList parses KEY=VALUE entries. Later duplicates win.
func FromList(list []string) map[string]string {
	out := make(map[string]string, len(list))
	for _, kv := range list {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// ToList renders env as KEY=VALUE entries sorted by key, ready for exec.Cmd.Env.
func ToList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
