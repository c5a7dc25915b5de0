package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/connector/pkg/stores"
	"github.com/openfroyo/connector/pkg/transfer"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// render writes v as JSON or YAML, or calls table for the table format.
func render(w io.Writer, format string, v interface{}, table func(w io.Writer) error) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		// Round-trip through JSON so YAML keys follow the json tags.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	default:
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		if err := table(tw); err != nil {
			return err
		}
		return tw.Flush()
	}
}

func processTable(processes ...*transfer.TransferProcess) func(io.Writer) error {
	return func(w io.Writer) error {
		fmt.Fprintln(w, "ID\tROLE\tSTATE\tREQUEST\tASSET\tTYPE\tRESOURCES\tERROR\tUPDATED")
		for _, p := range processes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				p.ID, p.Role, p.State, p.Request.ID, p.Request.AssetID, p.Request.Type,
				len(p.Resources), dash(p.ErrorCode), p.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	}
}

func eventTable(events []*stores.Event) func(io.Writer) error {
	return func(w io.Writer) error {
		fmt.Fprintln(w, "TIME\tTYPE\tFROM\tTO\tMESSAGE")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Format(time.RFC3339), e.Type, dash(string(e.FromState)), dash(string(e.ToState)),
				strings.ReplaceAll(e.Message, "\n", " "))
		}
		return nil
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
