package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/logging"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

var (
	inspectDB   string
	inspectLast int
	inspectJSON bool
	auditKind   string
)

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	warnColor = color.New(color.FgYellow).SprintFunc()
	badColor  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimColor  = color.New(color.Faint).SprintFunc()
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect the evidence store",
}

var inspectRigorCmd = &cobra.Command{
	Use:   "rigor",
	Short: "List committed rigor parameter versions, newest first",
	RunE: withStore(func(w io.Writer, store *state.Store, _ []string) error {
		versions, err := store.ListRigorVersions(inspectLast)
		if err != nil {
			return err
		}
		active, _ := store.GetCurrentRigor()
		if inspectJSON {
			return printJSON(w, versions)
		}
		fmt.Fprintf(w, "%-3s%-10s  %-10s  %7s  %9s  %5s  %-20s  %s\n",
			"", "Version", "Parent", "Margin", "Threshold", "Alpha", "Created", "Reason")
		for _, v := range versions {
			marker := "  "
			if v.VersionID == active.VersionID {
				marker = okColor("* ")
			}
			fmt.Fprintf(w, "%-3s%-10s  %-10s  %7.2f  %9.3f  %5.1f  %-20s  %s\n",
				marker, shortID(v.VersionID), shortID(v.ParentID), v.Params.CurrentMargin,
				v.Params.SafetyThreshold, v.Params.Alpha, v.CreatedAt.Format("2006-01-02T15:04:05Z"),
				v.Reason)
		}
		return nil
	}),
}

var inspectIncidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "List healing incidents, newest first",
	RunE: withStore(func(w io.Writer, store *state.Store, _ []string) error {
		rows, err := store.ListIncidents(inspectLast)
		if err != nil {
			return err
		}
		if inspectJSON {
			return printJSON(w, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(w, dimColor("no incidents recorded"))
			return nil
		}
		for _, r := range rows {
			fmt.Fprintf(w, "%s  %-10s  %s  margin %+.2f -> %.2f  threshold %.3f  speed %.2f  conf %.2f\n",
				r.OccurredAt.Format("2006-01-02T15:04:05Z"), shortID(r.IncidentID), causeColor(r.Cause),
				r.MarginDelta, r.MarginAfter, r.ThresholdAfter, r.SpeedLimit, r.Confidence)
			fmt.Fprintf(w, "    %s\n", dimColor(r.Justification))
		}
		return nil
	}),
}

var inspectAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List audit records, newest first",
	RunE: withStore(func(w io.Writer, store *state.Store, _ []string) error {
		rows, err := store.ListAudit(auditKind, inspectLast)
		if err != nil {
			return err
		}
		if inspectJSON {
			return printJSON(w, rows)
		}
		for _, r := range rows {
			fmt.Fprintf(w, "%s  %-11s  %-24s  %s\n",
				r.CreatedAt.Format("2006-01-02T15:04:05.000Z"), kindColor(r.Kind), r.Cause, r.Message)
		}
		return nil
	}),
}

var inspectRollbackCmd = &cobra.Command{
	Use:   "rollback <version-id>",
	Short: "Make an earlier rigor version the active one",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(w io.Writer, store *state.Store, args []string) error {
		if err := store.Rollback(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(w, "active rigor version is now %s\n", args[0])
		return nil
	}),
}

func init() {
	inspectCmd.PersistentFlags().StringVar(&inspectDB, "db", "", "Evidence database (default: storage.db_path from config)")
	inspectCmd.PersistentFlags().IntVarP(&inspectLast, "last", "n", 20, "Show the N most recent entries")
	inspectCmd.PersistentFlags().BoolVar(&inspectJSON, "json", false, "Output as JSON instead of a table")
	inspectAuditCmd.Flags().StringVar(&auditKind, "kind", "", "Filter by kind (certificate, violation, incident, reasoning, gate, transition, rigor)")
	inspectCmd.AddCommand(inspectRigorCmd, inspectIncidentsCmd, inspectAuditCmd, inspectRollbackCmd)
	rootCmd.AddCommand(inspectCmd)
}

// #region helpers

func withStore(fn func(w io.Writer, store *state.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		path := inspectDB
		if path == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.Storage.DBPath
		}
		store, err := state.NewStore(path)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()
		return fn(cmd.OutOrStdout(), store, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func causeColor(cause string) string {
	switch {
	case strings.Contains(cause, "friction"):
		return warnColor(cause)
	case strings.Contains(cause, "fatigue"):
		return badColor(cause)
	}
	return cause
}

func kindColor(kind string) string {
	switch logging.Kind(kind) {
	case logging.KindViolation:
		return badColor(fmt.Sprintf("%-11s", kind))
	case logging.KindIncident, logging.KindRigor:
		return warnColor(fmt.Sprintf("%-11s", kind))
	case logging.KindTransition:
		return okColor(fmt.Sprintf("%-11s", kind))
	}
	return kind
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}

// #endregion helpers
