package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nexusdev/nexus/internal/coordinator"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause task dispatch in the running engine",
	Long: `Signal the running engine to stop dispatching new tasks.

Tasks already in flight run to completion. Use 'nexus resume' to lift
the pause.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return dropSignal(coordinator.SignalPause,
			"Pause signal dropped. The engine finishes in-flight tasks and holds the rest.")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume task dispatch in a paused engine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return dropSignal(coordinator.SignalResume,
			"Resume signal dropped. A paused engine resumes task dispatch.")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Drain and stop the running engine",
	Long: `Signal the running engine to drain and exit.

In-flight tasks run to completion; nothing new starts. Unfinished
plans stay in the checkpoint database and continue with
'nexus run --resume'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return dropSignal(coordinator.SignalStop,
			"Stop signal dropped. The engine drains in-flight tasks and exits.")
	},
}

// dropSignal writes a signal file for the engine's watcher. With no
// engine running, the next one consumes it at startup.
func dropSignal(name, message string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	dir := coordinator.DefaultSignalsDir(root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
		return fmt.Errorf("write signal file: %w", err)
	}
	fmt.Println(message)
	return nil
}
