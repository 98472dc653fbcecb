package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"poflow.merchantry.io/db"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze-performance {summary|compare|errors|adoption|recent|cleanup} [merchantId] [n]",
	Short: "read-only reports over the supplier-matching performance metrics",
	Long: `analyze-performance inspects the performance_metrics table collected by
the supplier resolver. All reports are read-only except cleanup, which
deletes observations older than the retention window.

  summary  [merchantId]      per-engine call counts, latency, success rate
  compare  [merchantId]      trigram vs jsmetric latency per operation
  errors   [merchantId] [n]  most recent failed observations
  adoption [days]            trigram share over the trailing window
  recent   [merchantId] [n]  newest raw observations
  cleanup  [days]            delete observations older than the window`,
	Args: cobra.RangeArgs(1, 3),
	RunE: runAnalyze,
}

func init() {
	RootCmd.AddCommand(analyzeCmd)
}

// analyzeArgs splits the positional tail into the optional merchant and
// count arguments.
func analyzeArgs(args []string) (merchantID string, n int) {
	if len(args) > 1 {
		merchantID = args[1]
	}
	if len(args) > 2 {
		if v, err := strconv.Atoi(args[2]); err == nil {
			n = v
		}
	}
	return merchantID, n
}

// intArg reads args[1] as a number for the window-style subcommands.
func intArg(args []string, fallback int) int {
	if len(args) > 1 {
		if v, err := strconv.Atoi(args[1]); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	gdb, err := db.OpenGorm(cfg.Database.URL)
	if err != nil {
		return err
	}
	analytics := db.NewAnalytics(gdb)

	var out interface{}
	switch args[0] {
	case "summary":
		merchantID, _ := analyzeArgs(args)
		out, err = analytics.Summary(merchantID)
	case "compare":
		merchantID, _ := analyzeArgs(args)
		out, err = analytics.Compare(merchantID)
	case "errors":
		merchantID, n := analyzeArgs(args)
		out, err = analytics.Errors(merchantID, n)
	case "adoption":
		days := intArg(args, 7)
		out, err = analytics.AdoptionReport(time.Duration(days) * 24 * time.Hour)
	case "recent":
		merchantID, n := analyzeArgs(args)
		out, err = analytics.Recent(merchantID, n)
	case "cleanup":
		days := intArg(args, 90)
		var removed int64
		removed, err = analytics.Cleanup(time.Duration(days) * 24 * time.Hour)
		out = map[string]int64{"removed": removed}
	default:
		return fmt.Errorf("unknown report %q", args[0])
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
