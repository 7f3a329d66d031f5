package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/tidwall/gjson"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // gjson path, e.g. stats.keys_registered
)

// printResult outputs a JSON response in the chosen format.
func printResult(data []byte) {
	formatResult(os.Stdout, data, outputFormat, outputField)
}

func formatResult(w io.Writer, data []byte, format, field string) {
	if field != "" {
		res := gjson.GetBytes(data, field)
		if !res.Exists() {
			return
		}
		if res.IsObject() || res.IsArray() {
			data = []byte(res.Raw)
		} else {
			fmt.Fprintln(w, res.String())
			return
		}
	}

	switch format {
	case "json":
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			w.Write(data) //nolint:errcheck
			return
		}
		buf.WriteByte('\n')
		buf.WriteTo(w) //nolint:errcheck
	case "raw":
		gjson.ParseBytes(data).ForEach(func(k, v gjson.Result) bool {
			fmt.Fprintf(w, "%s=%s\n", k.String(), v.String())
			return true
		})
	default: // table
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			fmt.Fprintln(w, string(data))
			return
		}
		printTable(w, m)
	}
}

func printTable(out io.Writer, data map[string]any) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		v := data[k]
		switch val := v.(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%v\n", kk, val[kk])
			}
		case []any:
			fmt.Fprintf(w, "%s\t%d items\n", k, len(val))
		default:
			fmt.Fprintf(w, "%s\t%v\n", k, v)
		}
	}
	w.Flush()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Println(msg)
}
