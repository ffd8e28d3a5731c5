package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinycontainer/supervisor/internal/ioadapter"
)

// Every subcommand below assembles a fresh Supervisor and a LoopbackDriver
// standing in for the host I/O driver, then drives the bundle through
// however much of load -> start -> stop -> delete is needed to exercise
// the verb it is named for. There is no persisted state between
// invocations (the system this wraps has none either), so "stop NAME"
// and "delete NAME" load and start the bundle themselves before
// demonstrating the operation the command name promises.

var loadCmd = &cobra.Command{
	Use:   "load BUNDLE",
	Short: "Verify and load a container image without starting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := loadBundle(args[0])
		if err != nil {
			return err
		}
		sup, err := newSupervisor(cmd, ioadapter.NewLoopbackDriver())
		if err != nil {
			return err
		}
		ok, err := sup.Load(b.meta, b.data, b.code)
		if err != nil {
			return fmt.Errorf("load %s: %w", b.uid, err)
		}
		fmt.Printf("loaded %s: %v\n", b.uid, ok)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start BUNDLE",
	Short: "Load and start a container, waiting for it to finish or Ctrl+C",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := loadBundle(args[0])
		if err != nil {
			return err
		}
		sup, err := newSupervisor(cmd, ioadapter.NewLoopbackDriver())
		if err != nil {
			return err
		}
		if _, err := sup.Load(b.meta, b.data, b.code); err != nil {
			return fmt.Errorf("load %s: %w", b.uid, err)
		}
		if _, err := sup.Start(b.uid); err != nil {
			return fmt.Errorf("start %s: %w", b.uid, err)
		}
		fmt.Printf("started %s\n", b.uid)
		waitForExitOrStop(sup, b.uid)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop BUNDLE",
	Short: "Load, start and cooperatively stop a container, demonstrating the stop path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := loadBundle(args[0])
		if err != nil {
			return err
		}
		sup, err := newSupervisor(cmd, ioadapter.NewLoopbackDriver())
		if err != nil {
			return err
		}
		if _, err := sup.Load(b.meta, b.data, b.code); err != nil {
			return fmt.Errorf("load %s: %w", b.uid, err)
		}
		if _, err := sup.Start(b.uid); err != nil {
			return fmt.Errorf("start %s: %w", b.uid, err)
		}
		if _, err := sup.Stop(b.uid); err != nil {
			return fmt.Errorf("stop %s: %w", b.uid, err)
		}
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			running, err := sup.IsRunning(b.uid)
			if err != nil {
				return err
			}
			if !running {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		fmt.Printf("stopped %s\n", b.uid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status BUNDLE",
	Short: "Load and start a container, then report whether it is running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		b, err := loadBundle(args[0])
		if err != nil {
			return err
		}
		sup, err := newSupervisor(cmd, ioadapter.NewLoopbackDriver())
		if err != nil {
			return err
		}
		loaded, loadErr := sup.Load(b.meta, b.data, b.code)
		if loadErr != nil {
			fmt.Printf("%s: load failed: %v\n", b.uid, loadErr)
			return nil
		}
		if _, err := sup.Start(b.uid); err != nil {
			return fmt.Errorf("start %s: %w", b.uid, err)
		}
		running, err := sup.IsRunning(b.uid)
		if err != nil {
			return err
		}
		fmt.Printf("%s: loaded=%v running=%v\n", b.uid, loaded, running)
		if verbose {
			fmt.Printf("  meta bytes=%d code bytes=%d data bytes=%d\n", len(b.meta), len(b.code), len(b.data))
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete BUNDLE",
	Short: "Load, start, stop and delete a container, reclaiming its slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := loadBundle(args[0])
		if err != nil {
			return err
		}
		sup, err := newSupervisor(cmd, ioadapter.NewLoopbackDriver())
		if err != nil {
			return err
		}
		if _, err := sup.Load(b.meta, b.data, b.code); err != nil {
			return fmt.Errorf("load %s: %w", b.uid, err)
		}
		if _, err := sup.Start(b.uid); err != nil {
			return fmt.Errorf("start %s: %w", b.uid, err)
		}
		if _, err := sup.Stop(b.uid); err != nil {
			return fmt.Errorf("stop %s: %w", b.uid, err)
		}
		if err := sup.Delete(b.uid); err != nil {
			return fmt.Errorf("delete %s: %w", b.uid, err)
		}
		fmt.Printf("deleted %s\n", b.uid)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("verbose", false, "Dump bundle section sizes alongside running state")
}
