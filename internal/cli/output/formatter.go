// Package output renders CLI results as a table, JSON or YAML.
package output

import (
	"fmt"
	"os"
	"strings"
)

// EnvOutputFormat overrides the default format when no flag is given.
const EnvOutputFormat = "MCPAGENT_OUTPUT"

// Formatter formats structured data for CLI output.
type Formatter interface {
	// Format renders data, which should be a struct, slice or map.
	Format(data interface{}) (string, error)

	// FormatTable renders rows under headers.
	FormatTable(headers []string, rows [][]string) (string, error)
}

// NewFormatter creates a formatter for format (table, json or yaml).
func NewFormatter(format string) (Formatter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &JSONFormatter{Indent: true}, nil
	case "yaml":
		return &YAMLFormatter{}, nil
	case "table", "":
		return &TableFormatter{NoColor: os.Getenv("NO_COLOR") == "1"}, nil
	default:
		return nil, fmt.Errorf("unknown output format: %s (valid: table, json, yaml)", format)
	}
}

// ResolveFormat picks the explicit flag, then MCPAGENT_OUTPUT, then table.
func ResolveFormat(outputFlag string) string {
	if outputFlag != "" {
		return outputFlag
	}
	if envFormat := os.Getenv(EnvOutputFormat); envFormat != "" {
		return envFormat
	}
	return "table"
}

// tableRecords turns a table into one map per row so structured formats can
// render it.
func tableRecords(headers []string, rows [][]string) []map[string]string {
	result := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		obj := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(row) {
				obj[header] = row[i]
			} else {
				obj[header] = ""
			}
		}
		result = append(result, obj)
	}
	return result
}
