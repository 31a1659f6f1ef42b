package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warden/bootstrap"
	"warden/config"
	"warden/core"
	"warden/ingest"
	"warden/storage"
)

const maxReplayLineSize = 1 << 20

type replayOptions struct {
	DBPath  string
	Persist bool
	Quiet   bool
	Verbose bool
}

// replaySummary is what a replay run reports
type replaySummary struct {
	Events     int                     `json:"events"`
	Rejected   int                     `json:"rejected"`
	Flagged    int                     `json:"flagged"`
	Escalated  int                     `json:"escalated"`
	Threats    map[core.ThreatType]int `json:"threats"`
	Severities map[core.Severity]int   `json:"severities"`
	Blocked    []string                `json:"blocked"`
	Duration   string                  `json:"duration"`
}

func newReplayCmd() *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Feed a JSON-lines event file through the pipeline",
		Long: `Replay runs every event in a JSON-lines file through enrichment, detection and
the action table, using each event's timestamp as the engine clock so correlation
windows behave as they did when the events were recorded. Use it to tune thresholds.

Identity, IP reputation and login history are read from --db. Nothing is written
unless --persist is set. Notifications are never sent and escalation is declined.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			f, err := os.Open(filepath.Clean(args[0]))
			if err != nil {
				return fmt.Errorf("failed to open event file: %w", err)
			}
			defer f.Close()

			logger := zap.NewNop().Sugar()
			if opts.Verbose {
				_, logger, err = bootstrap.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
				if err != nil {
					return err
				}
			}

			out := io.Writer(os.Stdout)
			if outputJSON || opts.Quiet {
				out = io.Discard
			}
			summary, err := runReplay(cmd.Context(), f, cfg, opts, out, logger)
			if err != nil {
				return err
			}
			if outputJSON {
				return outputAsJSON(summary)
			}
			renderReplaySummary(summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", storage.MemoryPath, "SQLite database providing identity, reputation and login history")
	cmd.Flags().BoolVar(&opts.Persist, "persist", false, "Write events, alerts and blocks to --db")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "Only print the summary")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Log engine activity")
	return cmd
}

// runReplay ingests every line of r in order and prints one line per flagged event to out
func runReplay(ctx context.Context, r io.Reader, cfg *config.Config, opts replayOptions, out io.Writer, logger *zap.SugaredLogger) (replaySummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	summary := replaySummary{
		Threats:    make(map[core.ThreatType]int),
		Severities: make(map[core.Severity]int),
	}

	db, err := storage.NewSQLite(opts.DBPath, logger)
	if err != nil {
		return summary, err
	}
	defer db.Close()

	sink := &recordingSink{}
	var recorder core.LoginRecorder
	if opts.Persist {
		sink.next = db
		recorder = db
	}

	// Replay walks event time forward; events without a timestamp inherit the last one seen
	var clock time.Time
	cfg.Escalation.Enabled = false
	engine, err := ingest.NewEngine(cfg, ingest.Dependencies{
		Identity:   db,
		Reputation: db,
		Logins:     db,
		Recorder:   recorder,
		Sink:       sink,
		Clock:      func() time.Time { return clock },
	}, logger)
	if err != nil {
		return summary, err
	}
	if blocks, err := db.LoadBlockedEntities(ctx, time.Now()); err == nil {
		engine.RestoreBlocks(blocks)
	}

	started := time.Now()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxReplayLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		summary.Events++

		raw, err := ingest.DecodeRawEvent(ingest.ContentTypeJSON, []byte(line))
		if err != nil {
			summary.Rejected++
			warningColor.Fprintf(out, "line %d: %v\n", lineNo, err)
			continue
		}
		if raw.Timestamp != nil {
			clock = *raw.Timestamp
		} else if clock.IsZero() {
			clock = time.Now()
		}

		res, err := engine.Ingest(ctx, raw)
		if err != nil {
			summary.Rejected++
			warningColor.Fprintf(out, "line %d: %v\n", lineNo, err)
			continue
		}
		summary.Severities[res.Severity]++
		if res.Escalation != nil && res.Escalation.Escalated {
			summary.Escalated++
		}
		if res.ThreatsCount == 0 {
			continue
		}
		summary.Flagged++

		rec := sink.last()
		for _, t := range rec.Threats {
			summary.Threats[t.Type]++
		}
		printFlagged(out, rec, res)
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("failed to read event file at line %d: %w", lineNo+1, err)
	}

	summary.Blocked = sink.blockedKeys()
	summary.Duration = time.Since(started).Round(time.Millisecond).String()
	return summary, nil
}

func printFlagged(out io.Writer, rec core.SecurityEventRecord, res core.ProcessResult) {
	types := make([]string, 0, len(rec.Threats))
	for _, t := range rec.Threats {
		types = append(types, string(t.Type))
	}
	actions := make([]string, 0, len(res.ActionsTaken))
	for _, a := range res.ActionsTaken {
		actions = append(actions, string(a))
	}
	severityColor(res.Severity).Fprintf(out, "[%-8s]", strings.ToUpper(string(res.Severity)))
	fmt.Fprintf(out, " %s %s user=%s ip=%s threats=%s actions=%s\n",
		rec.Timestamp.UTC().Format(time.RFC3339), rec.Type, orDash(rec.UserID), orDash(rec.IPAddress),
		strings.Join(types, ","), strings.Join(actions, ","))
}

func severityColor(s core.Severity) *color.Color {
	switch s {
	case core.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case core.SeverityHigh:
		return color.New(color.FgRed)
	case core.SeverityMedium:
		return color.New(color.FgYellow)
	case core.SeverityLow:
		return color.New(color.FgCyan)
	default:
		return color.New(color.Reset)
	}
}

func renderReplaySummary(s replaySummary) {
	fmt.Println()
	printSection("Replay summary")
	printField("Events", fmt.Sprint(s.Events))
	printField("Rejected", fmt.Sprint(s.Rejected))
	printField("Flagged", fmt.Sprint(s.Flagged))
	printField("Escalated", fmt.Sprint(s.Escalated))
	printField("Duration", s.Duration)

	if len(s.Threats) > 0 {
		fmt.Println()
		printSection("Threats")
		types := make([]string, 0, len(s.Threats))
		for t := range s.Threats {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			printField(t, fmt.Sprint(s.Threats[core.ThreatType(t)]))
		}
	}

	if len(s.Blocked) > 0 {
		fmt.Println()
		printSection("Blocked")
		for _, b := range s.Blocked {
			errorColor.Printf("  %s\n", b)
		}
	}

	if s.Flagged == 0 {
		fmt.Println()
		successColor.Println("  No threats detected")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// recordingSink keeps what replay reports on and forwards to next when persisting
type recordingSink struct {
	next core.PersistenceSink

	mu      sync.Mutex
	latest  core.SecurityEventRecord
	blocked map[string]struct{}
}

var _ core.PersistenceSink = (*recordingSink)(nil)

func (s *recordingSink) AppendSecurityEvent(ctx context.Context, rec core.SecurityEventRecord) error {
	s.mu.Lock()
	s.latest = rec
	s.mu.Unlock()
	if s.next == nil {
		return nil
	}
	return s.next.AppendSecurityEvent(ctx, rec)
}

func (s *recordingSink) AppendAlert(ctx context.Context, alert core.Alert) error {
	if s.next == nil {
		return nil
	}
	return s.next.AppendAlert(ctx, alert)
}

func (s *recordingSink) UpsertBlockedEntity(ctx context.Context, entity core.BlockedEntity) error {
	s.mu.Lock()
	if s.blocked == nil {
		s.blocked = make(map[string]struct{})
	}
	s.blocked[string(entity.Type)+":"+entity.Identifier] = struct{}{}
	s.mu.Unlock()
	if s.next == nil {
		return nil
	}
	return s.next.UpsertBlockedEntity(ctx, entity)
}

func (s *recordingSink) AppendAuditEntry(ctx context.Context, entry core.AuditEntry) error {
	if s.next == nil {
		return nil
	}
	return s.next.AppendAuditEntry(ctx, entry)
}

func (s *recordingSink) AppendMetric(ctx context.Context, m core.MetricRecord) error {
	if s.next == nil {
		return nil
	}
	return s.next.AppendMetric(ctx, m)
}

func (s *recordingSink) AppendQuarantine(ctx context.Context, rec core.QuarantineRecord) error {
	if s.next == nil {
		return nil
	}
	return s.next.AppendQuarantine(ctx, rec)
}

func (s *recordingSink) last() core.SecurityEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

func (s *recordingSink) blockedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.blocked))
	for k := range s.blocked {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
