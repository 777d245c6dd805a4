// Package template substitutes `{{name}}` placeholders in step parameters
// from merged member data, accumulated step outputs and the special batch
// variables. Identifiers match [A-Za-z_][A-Za-z0-9_]*; anything else inside
// doubled braces is left untouched.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Special variable names available to every step of a batch. Init steps see
// only these two.
const (
	VarBatchID        = "_batch_id"
	VarBatchStartTime = "_batch_start_time"
)

var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// ResolutionError reports the placeholders of a template that could not be
// resolved from the available variables.
type ResolutionError struct {
	Template string
	Missing  []string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("unresolved template %q: missing %s", e.Template, strings.Join(e.Missing, ", "))
}

// Vars is the resolution context for one step dispatch.
type Vars map[string]string

// Merge overlays w onto d, w winning on collision, and returns a new map.
// Associativity holds: merging D then W then resolving equals resolving in a
// single pass with worker-wins precedence.
func Merge(d, w Vars) Vars {
	out := make(Vars, len(d)+len(w))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range w {
		out[k] = v
	}
	return out
}

// FromJSON flattens a JSON object into Vars. Scalars stringify; nested
// arrays and objects keep their compact JSON encoding so multi-valued
// columns survive the round trip.
func FromJSON(raw []byte) (Vars, error) {
	if len(raw) == 0 {
		return Vars{}, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("invalid data object: %w", err)
	}
	out := make(Vars, len(obj))
	for k, v := range obj {
		out[k] = Stringify(v)
	}
	return out, nil
}

// Stringify renders a decoded JSON value the way it is substituted into a
// parameter string.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// WithBatch overlays the special batch variables. The start time formats as
// RFC 3339 with a Z suffix when UTC; a nil start leaves the variable empty.
func (v Vars) WithBatch(batchID int64, start *time.Time) Vars {
	out := Merge(v, nil)
	out[VarBatchID] = strconv.FormatInt(batchID, 10)
	if start != nil {
		out[VarBatchStartTime] = start.UTC().Format(time.RFC3339)
	} else {
		out[VarBatchStartTime] = ""
	}
	return out
}

// lookup tries the identifier case-sensitively, then with a `_` prefix.
func (v Vars) lookup(name string) (string, bool) {
	if val, ok := v[name]; ok {
		return val, true
	}
	if val, ok := v["_"+name]; ok {
		return val, true
	}
	return "", false
}

// Resolve substitutes every placeholder in tmpl. Unresolved identifiers
// produce a *ResolutionError listing each missing name once, sorted.
func Resolve(tmpl string, vars Vars) (string, error) {
	missing := map[string]bool{}
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[2 : len(m)-2]
		if val, ok := vars.lookup(name); ok {
			return val
		}
		missing[name] = true
		return m
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", &ResolutionError{Template: tmpl, Missing: names}
	}
	return out, nil
}

// ResolveAll resolves a parameter map. On failure the error carries the
// union of missing names across all values.
func ResolveAll(params map[string]string, vars Vars) (map[string]string, error) {
	out := make(map[string]string, len(params))
	missing := map[string]bool{}
	for k, tmpl := range params {
		v, err := Resolve(tmpl, vars)
		if err != nil {
			var re *ResolutionError
			if !errors.As(err, &re) {
				return nil, err
			}
			for _, n := range re.Missing {
				missing[n] = true
			}
			out[k] = tmpl
			continue
		}
		out[k] = v
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return out, &ResolutionError{Template: "params", Missing: names}
	}
	return out, nil
}

// HasPlaceholders reports whether s still contains an unsubstituted
// placeholder. Dispatch paths use it to decide whether re-resolution is due.
func HasPlaceholders(s string) bool {
	return placeholderRe.MatchString(s)
}
