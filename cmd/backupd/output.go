package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

// printer renders command output as either a tab-aligned table or
// indented JSON, adapted from cmd/gastrolog/cli's output.go (the same
// two formats, the same tabwriter-based table layout).
type printer struct {
	format string // "text" or "json"
	w      io.Writer
}

func newPrinter(format string, w io.Writer) *printer {
	return &printer{format: format, w: w}
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) table(header []string, rows [][]string) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, tabJoin(header))
	for _, row := range rows {
		fmt.Fprintln(tw, tabJoin(row))
	}
}

func (p *printer) kv(pairs [][2]string) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	for _, pair := range pairs {
		fmt.Fprintf(tw, "%s:\t%s\n", pair[0], pair[1])
	}
}

func tabJoin(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += "\t"
		}
		out += c
	}
	return out
}

// emit renders v as JSON when format is "json", otherwise hands off to
// render for a table/kv view.
func (p *printer) emit(v any, render func()) error {
	if p.format == "json" {
		return p.json(v)
	}
	render()
	return nil
}
