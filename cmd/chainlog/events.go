package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ctrlai/chainlog/internal/auditlog"
	"github.com/ctrlai/chainlog/internal/record"
)

// ============================================================================
// chainlog append
// ============================================================================

var (
	appendActor    string
	appendType     string
	appendSeverity string
	appendPayload  string
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Record one event",
	Long: `Record one event in the audit log and print its sequence number.

Examples:
  chainlog append --actor alice --type AUTH_FAILURE --payload '{"ip":"10.0.0.7"}'
  chainlog append --actor deploy-bot --type CONFIG_CHANGE --severity alert`,
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := record.ParseEventType(appendType)
		if err != nil {
			return err
		}
		ev := auditlog.Event{Actor: appendActor, Type: typ}
		if appendSeverity != "" {
			if ev.Severity, err = record.ParseSeverity(appendSeverity); err != nil {
				return err
			}
		}
		if appendPayload != "" {
			if err := json.Unmarshal([]byte(appendPayload), &ev.Payload); err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
		}

		return withLog(cmd.Context(), false, func(l *auditlog.Log) error {
			seq, err := l.Append(cmd.Context(), ev)
			if err != nil {
				return err
			}
			fmt.Println(seq)
			return nil
		})
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendActor, "actor", "", "Who performed the action (required)")
	appendCmd.Flags().StringVar(&appendType, "type", "", "Event type, e.g. AUTH_SUCCESS (required)")
	appendCmd.Flags().StringVar(&appendSeverity, "severity", "", "Severity (default: the event type's default)")
	appendCmd.Flags().StringVar(&appendPayload, "payload", "", "JSON object with event details")
	appendCmd.MarkFlagRequired("actor")
	appendCmd.MarkFlagRequired("type")
}

// ============================================================================
// Filters shared by query and export
// ============================================================================

type filterFlags struct {
	from, to    string
	actor       string
	types       []string
	minSeverity string
	fromSeq     uint64
	reverse     bool
	after       string
	limit       int
}

func (ff *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&ff.from, "from", "", "Records at or after this time (RFC 3339 or duration ago, e.g. 24h)")
	cmd.Flags().StringVar(&ff.to, "to", "", "Records before this time (RFC 3339 or duration ago)")
	cmd.Flags().StringVar(&ff.actor, "actor", "", "Actor name or glob pattern (e.g. 'svc-*')")
	cmd.Flags().StringSliceVar(&ff.types, "type", nil, "Event types (repeatable or comma separated)")
	cmd.Flags().StringVar(&ff.minSeverity, "min-severity", "", "Minimum severity")
	cmd.Flags().Uint64Var(&ff.fromSeq, "from-seq", 0, "First sequence number")
	cmd.Flags().BoolVar(&ff.reverse, "reverse", false, "Newest first")
	cmd.Flags().StringVar(&ff.after, "after", "", "Continuation token from a previous page")
}

func (ff *filterFlags) filter() (auditlog.Filter, error) {
	f := auditlog.Filter{
		Actor:   ff.actor,
		FromSeq: ff.fromSeq,
		Reverse: ff.reverse,
		After:   ff.after,
		Limit:   ff.limit,
	}
	var err error
	if f.From, err = parseWhen(ff.from); err != nil {
		return f, fmt.Errorf("--from: %w", err)
	}
	if f.To, err = parseWhen(ff.to); err != nil {
		return f, fmt.Errorf("--to: %w", err)
	}
	for _, name := range ff.types {
		t, err := record.ParseEventType(name)
		if err != nil {
			return f, err
		}
		f.Types = append(f.Types, t)
	}
	if ff.minSeverity != "" {
		if f.MinSeverity, err = record.ParseSeverity(ff.minSeverity); err != nil {
			return f, err
		}
	}
	return f, nil
}

// ============================================================================
// chainlog query
// ============================================================================

var (
	queryFlags filterFlags
	queryJSON  bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query records with filters",
	Long: `Query the audit log. Filters combine: a record is shown only if it
matches all of them.

Examples:
  chainlog query --type AUTH_FAILURE --from 24h
  chainlog query --actor 'svc-*' --min-severity warning --reverse --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := queryFlags.filter()
		if err != nil {
			return err
		}
		return withLog(cmd.Context(), true, func(l *auditlog.Log) error {
			enc := json.NewEncoder(os.Stdout)
			var n int
			var last record.Record
			for r, err := range l.Query(cmd.Context(), f) {
				if err != nil {
					var segErr *auditlog.SegmentError
					if errors.As(err, &segErr) {
						slog.Error("unreadable record", "segment", segErr.Segment, "index", segErr.Index, "error", segErr.Err)
						continue
					}
					return err
				}
				if queryJSON {
					if err := enc.Encode(r); err != nil {
						return err
					}
				} else {
					printRecord(r)
				}
				n++
				last = r
			}
			if queryJSON {
				return nil
			}
			if n == 0 {
				fmt.Println("No matching records found.")
				return nil
			}
			fmt.Printf("\n%d records found.\n", n)
			if f.Limit > 0 && n == f.Limit {
				fmt.Printf("Next page: --after %s\n", auditlog.ContinuationToken(f, last))
			}
			return nil
		})
	},
}

func init() {
	queryFlags.register(queryCmd)
	queryCmd.Flags().IntVar(&queryFlags.limit, "limit", 50, "Maximum number of records (0 = all)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Print one JSON record per line")
}

// ============================================================================
// chainlog tail
// ============================================================================

var (
	tailFollow bool
	tailLimit  int
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the newest records",
	Long:  `Show the most recent records. Use -f to follow new records as they are committed (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(cmd.Context(), true, func(l *auditlog.Log) error {
			var recent []record.Record
			for r, err := range l.Query(cmd.Context(), auditlog.Filter{Reverse: true, Limit: tailLimit}) {
				if err != nil {
					slog.Error("unreadable record", "error", err)
					continue
				}
				recent = append(recent, r)
			}
			slices.Reverse(recent)
			for _, r := range recent {
				printRecord(r)
			}

			if !tailFollow {
				return nil
			}
			from, _ := l.Head()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err := l.Follow(ctx, from, printRecord)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Follow new records")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent records to show")
}

// ============================================================================
// chainlog export
// ============================================================================

var (
	exportFlags  filterFlags
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export records",
	Long: `Export records to stdout (or --output) in the specified format.
Supported formats: jsonl, json, csv. The query filters apply.

Example:
  chainlog export --format csv --from 720h > last-month.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := exportFlags.filter()
		if err != nil {
			return err
		}
		out := os.Stdout
		if exportOutput != "" {
			if out, err = os.Create(exportOutput); err != nil {
				return fmt.Errorf("creating %s: %w", exportOutput, err)
			}
			defer out.Close()
		}
		return withLog(cmd.Context(), true, func(l *auditlog.Log) error {
			if err := l.Export(cmd.Context(), out, exportFormat, f); err != nil {
				return err
			}
			if exportOutput != "" {
				return out.Sync()
			}
			return nil
		})
	},
}

func init() {
	exportFlags.register(exportCmd)
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to this file instead of stdout")
}

// ============================================================================
// chainlog proof
// ============================================================================

var proofCmd = &cobra.Command{
	Use:   "proof <seq>",
	Short: "Print a link proof from a record to the head",
	Long: `Print, as JSON, the record at <seq> and every later record up to the
current head. Anyone holding the head hash can recompute every link and
confirm that the record is part of the chain.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sequence %q", args[0])
		}
		return withLog(cmd.Context(), true, func(l *auditlog.Log) error {
			p, err := l.Proof(cmd.Context(), seq)
			if err != nil {
				return err
			}
			_, head := l.Head()
			if err := l.Hasher().VerifyProof(p, head); err != nil {
				return fmt.Errorf("proof does not verify: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		})
	},
}
