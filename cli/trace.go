package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rivet-dev/rivetkit-go/actor"
	"github.com/rivet-dev/rivetkit-go/config"
	"github.com/rivet-dev/rivetkit-go/tracing"
)

func init() {
	RootCmd.AddCommand(traceCmd)
	traceCmd.Flags().String("actor", "", "actor id whose spans to read")
	traceCmd.Flags().Duration("since", time.Hour, "how far back to read")
	traceCmd.Flags().Int("limit", 0, "maximum spans to return, 0 for the sink cap")
}

// traceCmd dumps recorded action spans straight from storage. The server
// must not hold the bolt file open at the same time.
var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "dump recorded spans for one actor",
	Long: `Reads the trace chunks of one actor from the configured storage backend
and prints the reconstructed spans as indented JSON. Requires the runtime to
have been started with runtime.trace_enabled.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		actorID, _ := cmd.Flags().GetString("actor")
		if actorID == "" {
			return fmt.Errorf("--actor is required")
		}
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.Logging)

		factory, err := openFactory(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer factory.Close()

		store, err := factory.Namespace(actor.TraceNamespace(actorID))
		if err != nil {
			return err
		}
		sink := tracing.NewSink(store, tracing.DefaultConfig(), logger)

		now := time.Now()
		res, err := sink.ReadRange(cmd.Context(), now.Add(-since).UnixMilli(), now.UnixMilli(), limit)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}
