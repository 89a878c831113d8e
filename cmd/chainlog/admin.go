package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrlai/chainlog/internal/auditlog"
	"github.com/ctrlai/chainlog/internal/storage"
)

// adminActor is recorded as the actor of seal and purge records written
// from the CLI.
var adminActor string

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

// ============================================================================
// chainlog verify
// ============================================================================

var (
	verifyActive  bool
	verifyFromSeq uint64
	verifyToSeq   uint64
	verifyJSON    bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify chain integrity",
	Long: `Verify the audit chain. Every record hash is recomputed, every
prev_hash link and sequence number is checked and every sealed segment's
seal is recomputed. Purged segments are bridged through their headers.

By default only sealed segments are checked; --active includes the
segment currently being written. Exits non-zero if the chain is broken.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(cmd.Context(), true, func(l *auditlog.Log) error {
			res, err := l.Verify(cmd.Context(), auditlog.VerifyOptions{
				IncludeActive: verifyActive,
				FromSeq:       verifyFromSeq,
				ToSeq:         verifyToSeq,
			})
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}

			if verifyJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				printVerifyResult(res)
			}
			if !res.Valid {
				return fmt.Errorf("audit chain integrity violation detected")
			}
			return nil
		})
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyActive, "active", false, "Also verify the active segment")
	verifyCmd.Flags().Uint64Var(&verifyFromSeq, "from-seq", 0, "Verify segments holding records from this sequence")
	verifyCmd.Flags().Uint64Var(&verifyToSeq, "to-seq", 0, "Verify segments holding records before this sequence (0 = head)")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the result as JSON")
}

func printVerifyResult(res auditlog.Result) {
	if res.Valid {
		fmt.Printf("[chainlog] Hash chain VALID (%d records in %d segments verified, %d purged)\n",
			res.RecordsChecked, res.SegmentsChecked, res.SegmentsPurged)
	} else {
		fmt.Printf("[chainlog] Hash chain BROKEN at record #%d (%s)\n", *res.FirstDivergence, res.Reason)
		for _, d := range res.Divergences {
			fmt.Printf("  segment %d, record #%d: %s: %s\n", d.Segment, d.Sequence, d.Kind, d.Detail)
		}
	}
	for _, u := range res.Unreadable {
		fmt.Printf("  segment %d UNREADABLE: %s\n", u.Segment, u.Error)
	}
}

// ============================================================================
// chainlog segments
// ============================================================================

var segmentsCmd = &cobra.Command{
	Use:   "segments",
	Short: "List segments",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(cmd.Context(), true, func(l *auditlog.Log) error {
			expired := map[uint64]bool{}
			for _, h := range l.ExpiredSegments() {
				expired[h.ID] = true
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tRECORDS\tFIRST\tLAST\tSEAL HASH")
			for _, h := range l.ListSegments() {
				state := h.State()
				if expired[h.ID] {
					state += " (expired)"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					h.ID, state, seqRange(h), fmtTime(h.FirstTime), fmtTime(h.LastTime), sealHash(h))
			}
			return tw.Flush()
		})
	},
}

func seqRange(h storage.SegmentHeader) string {
	if h.RecordCount == 0 {
		return "-"
	}
	return fmt.Sprintf("%d-%d", h.StartSeq, h.EndSeq()-1)
}

func sealHash(h storage.SegmentHeader) string {
	if !h.Sealed {
		return "-"
	}
	return h.SealHash.String()[:16]
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

// ============================================================================
// chainlog seal / purge / retention
// ============================================================================

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal the active segment",
	Long: `Record a SEGMENT_SEAL event and seal the segment holding it. The next
event starts a new segment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(cmd.Context(), false, func(l *auditlog.Log) error {
			h, err := l.Seal(cmd.Context(), adminActor)
			if err != nil {
				return err
			}
			fmt.Printf("[chainlog] Sealed segment %d (records %s, seal %s)\n", h.ID, seqRange(h), h.SealHash)
			return nil
		})
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <segment-id>",
	Short: "Purge a sealed segment",
	Long: `Remove the records of a sealed segment. A RETENTION_PURGE event naming
the segment and its seal hash is recorded first. The segment header stays
behind so the chain remains verifiable across the gap.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid segment id %q", args[0])
		}
		return withLog(cmd.Context(), false, func(l *auditlog.Log) error {
			h, err := l.Purge(cmd.Context(), id, adminActor)
			if err != nil {
				return err
			}
			fmt.Printf("[chainlog] Purged segment %d (records %d-%d, recorded at #%d)\n",
				h.ID, h.StartSeq, h.EndSeq()-1, h.PurgeSeq)
			return nil
		})
	},
}

var retentionDryRun bool

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Purge every segment the retention policy has expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(cmd.Context(), retentionDryRun, func(l *auditlog.Log) error {
			if retentionDryRun {
				expired := l.ExpiredSegments()
				if len(expired) == 0 {
					fmt.Println("No segments have expired.")
				}
				for _, h := range expired {
					fmt.Printf("would purge segment %d (records %s, last %s)\n", h.ID, seqRange(h), fmtTime(h.LastTime))
				}
				return nil
			}

			purged, err := l.EnforceRetention(cmd.Context(), adminActor)
			for _, h := range purged {
				fmt.Printf("[chainlog] Purged segment %d (recorded at #%d)\n", h.ID, h.PurgeSeq)
			}
			if err != nil {
				return err
			}
			if len(purged) == 0 {
				fmt.Println("No segments have expired.")
			}
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{sealCmd, purgeCmd, retentionCmd} {
		c.Flags().StringVar(&adminActor, "actor", defaultActor(), "Actor recorded for the operation")
	}
	retentionCmd.Flags().BoolVar(&retentionDryRun, "dry-run", false, "List expired segments without purging")
}
