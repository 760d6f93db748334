// Package out renders command envelopes. JSON is the default; plain mode
// prints lists (holdings, swaps, alerts) as aligned tables and single records
// as one key=value line.
package out

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/ggonzalez94/solswap/internal/config"
	"github.com/ggonzalez94/solswap/internal/model"
)

const missing = "-"

func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	data := env.Data
	if len(settings.SelectFields) > 0 {
		data = selectFields(generic(data), settings.SelectFields)
	}
	asJSON := settings.OutputMode == "json"

	switch {
	case settings.ResultsOnly && asJSON:
		return writeJSON(w, data)
	case settings.ResultsOnly:
		return writePlain(w, data)
	case asJSON:
		env.Data = data
		return writeJSON(w, env)
	}

	if err := writePlain(w, data); err != nil {
		return err
	}
	for _, warn := range env.Warnings {
		if _, err := fmt.Fprintf(w, "warning: %s\n", warn); err != nil {
			return err
		}
	}
	return nil
}

// RenderError writes the failure. Plain mode keeps it on one line so wrappers
// can grep the code.
func RenderError(w io.Writer, env model.Envelope, settings config.Settings) error {
	if env.Error == nil {
		return nil
	}
	if settings.OutputMode == "json" {
		return writeJSON(w, env)
	}
	_, err := fmt.Fprintf(w, "error code=%d type=%s message=%q\n", env.Error.Code, env.Error.Type, env.Error.Message)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writePlain(w io.Writer, data any) error {
	switch v := generic(data).(type) {
	case nil:
		_, err := fmt.Fprintln(w, "null")
		return err
	case []any:
		return writeTable(w, v)
	case map[string]any:
		// valuations: the items table, then the totals
		if items, ok := v["items"].([]any); ok {
			if err := writeTable(w, items); err != nil {
				return err
			}
			rest := maps.Clone(v)
			delete(rest, "items")
			_, err := fmt.Fprintln(w, keyValues(rest))
			return err
		}
		_, err := fmt.Fprintln(w, keyValues(v))
		return err
	default:
		buf, _ := json.Marshal(v)
		_, err := fmt.Fprintln(w, string(buf))
		return err
	}
}

func writeTable(w io.Writer, rows []any) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "[]")
		return err
	}
	flat := make([]map[string]any, len(rows))
	var columns []string
	for i, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			m = map[string]any{"value": row}
		}
		flat[i] = flatten(m)
		for k := range flat[i] {
			if !slices.Contains(columns, k) {
				columns = append(columns, k)
			}
		}
	}
	slices.Sort(columns)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(columns, "\t"))
	cells := make([]string, len(columns))
	for _, row := range flat {
		for i, col := range columns {
			cells[i] = cell(row[col], col, row)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}

func cell(v any, col string, row map[string]any) string {
	if _, ok := row[col]; !ok || v == nil {
		return missing
	}
	if s, ok := v.(string); ok {
		return s
	}
	buf, _ := json.Marshal(v)
	return string(buf)
}

func keyValues(m map[string]any) string {
	flat := flatten(m)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+cell(flat[k], k, flat))
	}
	return strings.Join(parts, " ")
}

// flatten joins nested record keys with dots.
func flatten(m map[string]any) map[string]any {
	out := map[string]any{}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if nested, ok := v.(map[string]any); ok {
				walk(k, nested)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// selectFields keeps the named fields of a record or of every record in a
// list. Dotted names reach into nested records ("output_token.symbol").
func selectFields(data any, fields []string) any {
	pick := func(m map[string]any) map[string]any {
		out := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := dig(m, strings.Split(f, ".")); ok {
				out[f] = v
			}
		}
		return out
	}
	switch v := data.(type) {
	case map[string]any:
		return pick(v)
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, pick(m))
			}
		}
		return out
	default:
		return data
	}
}

func dig(m map[string]any, path []string) (any, bool) {
	for i, p := range path {
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		if i == len(path)-1 {
			return v, true
		}
		if m, ok = v.(map[string]any); !ok {
			return nil, false
		}
	}
	return nil, false
}

// generic round-trips v through JSON so typed results and raw maps are
// walked the same way.
func generic(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}
