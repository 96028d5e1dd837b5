package output

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
)

// TableFormatter formats output as an aligned text table.
type TableFormatter struct {
	NoColor bool
}

// Format prints data with %v; commands that want columns call FormatTable.
func (f *TableFormatter) Format(data interface{}) (string, error) {
	return fmt.Sprintf("%v\n", data), nil
}

// FormatTable renders rows aligned under headers. Header rules are drawn only
// when stdout is a terminal.
func (f *TableFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	if len(rows) == 0 {
		return "No results found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	header := strings.Join(headers, "\t")
	if !f.NoColor && isTTY() {
		header = "\x1b[1m" + header + "\x1b[0m"
	}
	fmt.Fprintln(w, header)

	if isTTY() {
		rules := make([]string, len(headers))
		for i, h := range headers {
			rules[i] = strings.Repeat("-", len(h))
		}
		fmt.Fprintln(w, strings.Join(rules, "\t"))
	}

	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}

	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
