package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/taginventory/internal/checkpoint"
)

var (
	statusOutput string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recorded run checkpoints",
	Long: `Show the checkpoints recorded by recent runs.

Without a run ID the most recent runs are listed. With a run ID the run's
latest checkpoint is shown together with every state transition.`,
	Example: `  taginventory status                                       # Recent runs
  taginventory status 123456789012-20260504T100000Z -o yaml # One run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "json", "Output format (json, yaml)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Number of runs to list")
}

// runDetail is the detail view of one run.
type runDetail struct {
	Checkpoint  *checkpoint.Checkpoint  `json:"checkpoint"`
	Transitions []checkpoint.Transition `json:"transitions"`
}

func runStatus(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openCheckpoints(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	v, err := statusView(store, args)
	if err != nil {
		return err
	}
	return render(os.Stdout, v, statusOutput)
}

func statusView(store *checkpoint.Store, args []string) (any, error) {
	if len(args) == 0 {
		return store.List(statusLimit)
	}

	cp, err := store.Get(args[0])
	if err != nil {
		return nil, err
	}
	transitions, err := store.Transitions(args[0])
	if err != nil {
		return nil, err
	}
	return runDetail{Checkpoint: cp, Transitions: transitions}, nil
}

// render writes v as indented JSON or as YAML with the same field names.
func render(w io.Writer, v any, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want json or yaml)", format)
	}
}
