package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mitmscan/mitmscan/pkg/finding"
	"github.com/mitmscan/mitmscan/pkg/storage"
)

// cmdFindings queries findings persisted by a previous run.
func cmdFindings(args []string) error {
	fs := flag.NewFlagSet("findings", flag.ExitOnError)
	storePath := fs.String("store", "", "SQLite database path (required)")
	pluginID := fs.String("plugin", "", "Filter by plugin ID")
	severity := fs.String("severity", "", "Filter by severity (critical, high, medium, low, info)")
	limit := fs.Int("limit", 0, "Maximum rows (0 = all)")
	asJSON := fs.Bool("json", false, "Emit JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *storePath == "" {
		return fmt.Errorf("-store is required")
	}
	if *severity != "" && !finding.Severity(*severity).IsValid() {
		return fmt.Errorf("unknown severity %q", *severity)
	}

	store, err := storage.NewSQLiteStore(*storePath)
	if err != nil {
		return err
	}
	defer store.Close()

	found, err := store.QueryFindings(context.Background(), storage.FindingFilter{
		PluginID: *pluginID,
		Severity: finding.Severity(*severity),
		Limit:    *limit,
	})
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(found)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEVERITY\tPLUGIN\tTYPE\tURL\tLOCATION\tHITS")
	for _, f := range found {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			f.Severity, f.PluginID, f.VulnType, f.URL, f.Location, f.Hits)
	}
	return w.Flush()
}
