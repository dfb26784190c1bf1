package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// byteCount prints as a human size in text summaries.
type byteCount int64

type field struct {
	key   string
	value any
}

// summary is the final report of a command, printed as aligned text or
// as JSON with --json.
type summary struct {
	command string
	status  string
	fields  []field
	// problems are listed after the fields.
	problems []map[string]any
}

func newSummary(command string) *summary {
	return &summary{command: command, status: "ok"}
}

func (s *summary) add(key string, value any) *summary {
	s.fields = append(s.fields, field{key, value})
	return s
}

func (s *summary) problem(path string, attempts int, msg string) {
	s.problems = append(s.problems, map[string]any{
		"path":     path,
		"attempts": int64(attempts),
		"error":    msg,
	})
}

// data is the generic form handed to ojg.
func (s *summary) data() map[string]any {
	out := map[string]any{
		"command": s.command,
		"status":  s.status,
	}
	for _, f := range s.fields {
		switch v := f.value.(type) {
		case byteCount:
			out[f.key] = int64(v)
		case time.Duration:
			out[f.key] = v.Seconds()
		case int:
			out[f.key] = int64(v)
		case fmt.Stringer:
			out[f.key] = v.String()
		default:
			out[f.key] = v
		}
	}
	if len(s.problems) > 0 {
		list := make([]any, len(s.problems))
		for i, p := range s.problems {
			list[i] = p
		}
		out["problems"] = list
	}
	return out
}

func (s *summary) print(w io.Writer, asJSON bool, query string) error {
	if !asJSON {
		return s.printText(w)
	}
	data := s.data()
	if query == "" {
		_, err := fmt.Fprintln(w, oj.JSON(data, &ojg.Options{Indent: 2, Sort: true}))
		return err
	}
	x, err := jp.ParseString(query)
	if err != nil {
		return fmt.Errorf("invalid jsonpath '%s': %w", query, err)
	}
	for _, r := range x.Get(data) {
		if _, err := fmt.Fprintln(w, oj.JSON(r)); err != nil {
			return err
		}
	}
	return nil
}

func (s *summary) printText(w io.Writer) error {
	width := 0
	for _, f := range s.fields {
		width = max(width, len(f.key))
	}
	fmt.Fprintf(w, "%s: %s\n", s.command, s.status)
	for _, f := range s.fields {
		var v string
		switch x := f.value.(type) {
		case byteCount:
			v = humanize.IBytes(uint64(max(x, 0)))
		case int64:
			v = humanize.Comma(x)
		case time.Duration:
			v = x.Round(time.Millisecond).String()
		default:
			v = fmt.Sprint(x)
		}
		fmt.Fprintf(w, "  %-*s  %s\n", width, f.key, v)
	}
	if len(s.problems) > 0 {
		fmt.Fprintf(w, "problem files (%d):\n", len(s.problems))
		for _, p := range s.problems {
			fmt.Fprintf(w, "  %s (%d attempts): %s\n", p["path"], p["attempts"], p["error"])
		}
	}
	return nil
}
