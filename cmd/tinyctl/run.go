package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinycontainer/supervisor/internal/ioadapter"
	"github.com/tinycontainer/supervisor/internal/supervisor"
)

// runCmd is the foreground entry point a device's boot sequence would
// actually call: load and start every named bundle, serve until
// interrupted, then stop and delete each one on the way out. This is the
// one command that mirrors init()+load()+start() running several
// containers for the device's whole uptime, rather than a single-verb
// demonstration.
var runCmd = &cobra.Command{
	Use:   "run BUNDLE...",
	Short: "Load and start one or more containers, running until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		driver := ioadapter.NewLoopbackDriver()
		sup, err := newSupervisor(cmd, driver)
		if err != nil {
			return err
		}

		var started [][]byte
		for _, dir := range args {
			b, err := loadBundle(dir)
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
			started = append(started, b.uid)
		}

		fmt.Println("running. press Ctrl+C to stop.")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("shutting down...")
		for _, uid := range started {
			if _, err := sup.Stop(uid); err != nil {
				fmt.Fprintf(os.Stderr, "stop %s: %v\n", uid, err)
			}
		}
		waitAllStopped(sup, started, 5*time.Second)
		for _, uid := range started {
			if err := sup.Delete(uid); err != nil {
				fmt.Fprintf(os.Stderr, "delete %s: %v\n", uid, err)
			}
		}
		fmt.Println("shutdown complete")
		return nil
	},
}

func waitForExitOrStop(sup *supervisor.Supervisor, uid []byte) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			sup.Stop(uid)
			waitAllStopped(sup, [][]byte{uid}, 5*time.Second)
			return
		case <-ticker.C:
			running, err := sup.IsRunning(uid)
			if err != nil || !running {
				return
			}
		}
	}
}

func waitAllStopped(sup *supervisor.Supervisor, uids [][]byte, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		allStopped := true
		for _, uid := range uids {
			if running, _ := sup.IsRunning(uid); running {
				allStopped = false
				break
			}
		}
		if allStopped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
