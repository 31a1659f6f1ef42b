package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warden/config"
	"warden/detect"
)

// configReport summarizes a validated configuration
type configReport struct {
	Valid             bool     `json:"valid"`
	ActionRules       int      `json:"action_rules"`
	Channels          []string `json:"channels"`
	PatternCategories int      `json:"pattern_categories"`
	ExtraSignatures   int      `json:"extra_signatures"`
	EnabledRules      []string `json:"enabled_rules"`
	Integrations      []string `json:"integrations"`
	Error             string   `json:"error,omitempty"`
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration, action table and signature pack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := checkConfig(configFile)
			if outputJSON {
				if jerr := outputAsJSON(report); jerr != nil {
					return jerr
				}
				return err
			}
			renderConfigReport(os.Stdout, report)
			return err
		},
	}
}

// checkConfig loads the configuration the way serve does and compiles every signature
func checkConfig(path string) (configReport, error) {
	report := configReport{}

	cfg, err := config.Load(path)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}

	var extra []config.SignatureDef
	if cfg.Detection.SignatureFile != "" {
		pack, err := config.LoadSignaturePack(cfg.Detection.SignatureFile)
		if err != nil {
			report.Error = err.Error()
			return report, err
		}
		extra = pack.Signatures
	}
	patterns, err := detect.NewPatternRuleSet(cfg.Detection.RegexTimeout, extra, zap.NewNop().Sugar())
	if err != nil {
		report.Error = err.Error()
		return report, err
	}

	report.Valid = true
	report.ActionRules = len(cfg.Actions.Table)
	report.PatternCategories = len(patterns.Categories())
	report.ExtraSignatures = len(extra)
	for _, ch := range cfg.Notify.Channels {
		if ch.Enabled {
			report.Channels = append(report.Channels, ch.Name+" ("+ch.Type+")")
		}
	}

	toggles := cfg.Detection.Rules
	for _, r := range []struct {
		name string
		on   bool
	}{
		{"brute_force", toggles.BruteForce},
		{"credential_stuffing", toggles.CredentialStuffing},
		{"suspicious_location", toggles.SuspiciousLocation},
		{"malicious_payload", toggles.MaliciousPayload},
		{"rate_limit", toggles.RateLimit},
		{"after_hours", toggles.AfterHours},
		{"bulk_access", toggles.BulkAccess},
		{"privilege_escalation", toggles.PrivilegeEscalation},
	} {
		if r.on {
			report.EnabledRules = append(report.EnabledRules, r.name)
		}
	}

	if cfg.Server.Enabled {
		report.Integrations = append(report.Integrations, "http "+cfg.Server.Addr)
	}
	if cfg.NATS.Enabled {
		report.Integrations = append(report.Integrations, "nats "+cfg.NATS.URL)
	}
	if cfg.Redis.Enabled {
		report.Integrations = append(report.Integrations, "redis "+cfg.Redis.Addr)
	}
	if cfg.Storage.ClickHouse.Enabled {
		report.Integrations = append(report.Integrations, "clickhouse "+strings.Join(cfg.Storage.ClickHouse.Addr, ","))
	}
	if cfg.Escalation.Enabled {
		report.Integrations = append(report.Integrations, "escalation "+cfg.Escalation.Subject)
	}
	if cfg.Tracing.Enabled {
		report.Integrations = append(report.Integrations, "tracing")
	}
	return report, nil
}

func renderConfigReport(w io.Writer, r configReport) {
	if !r.Valid {
		errorColor.Fprintln(w, "✗ Configuration invalid")
		fmt.Fprintf(w, "  %s\n", r.Error)
		return
	}
	successColor.Fprintln(w, "✓ Configuration valid")
	fmt.Fprintln(w)
	headerColor.Fprintln(w, "Detection")
	fmt.Fprintf(w, "  %-16s %s\n", "Rules:", joinOrNone(r.EnabledRules))
	fmt.Fprintf(w, "  %-16s %d (%d from signature pack)\n", "Categories:", r.PatternCategories, r.ExtraSignatures)
	fmt.Fprintf(w, "  %-16s %d\n", "Action rules:", r.ActionRules)
	fmt.Fprintln(w)
	headerColor.Fprintln(w, "Delivery")
	fmt.Fprintf(w, "  %-16s %s\n", "Channels:", joinOrNone(r.Channels))
	for _, in := range r.Integrations {
		infoColor.Fprintf(w, "  • %s\n", in)
	}
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
