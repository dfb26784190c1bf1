package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/agentic-research/skytiles/internal/control"
	"github.com/spf13/cobra"
)

var ctlCmd = &cobra.Command{
	Use:       "ctl abort|pause|resume|status",
	Short:     "Control a running build or mirror on the output store",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"abort", "pause", "resume", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Output == "" {
			return errors.New("output store is required")
		}
		return runCtl(cmd, filepath.Join(cfg.Output, control.FileName), args[0])
	},
}

func init() {
	rootCmd.AddCommand(ctlCmd)
}

// runCtl flips a flag in the control file of a running process. The file
// only exists while a run is active.
func runCtl(cmd *cobra.Command, path, action string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("no run is active on this store")
	}
	ctl, err := control.OpenFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = ctl.Close() }()

	switch action {
	case "abort":
		ctl.SetAbort(true)
	case "pause":
		ctl.SetPause(true)
	case "resume":
		ctl.SetPause(false)
	case "status":
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pid %d: aborted=%v paused=%v\n", ctl.Owner(), ctl.Aborted(), ctl.Paused())
	return nil
}
