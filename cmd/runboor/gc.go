package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/runboor/pkg/gc"
)

var (
	forceGC         bool
	ignoreRetention bool
	gcBuilds        []uint
	gcFull          bool
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove the workspaces and databases of builds past retention",
	Long: `Remove the local workspaces and databases of done builds past their
retention date. Builds past the full retention window are deleted entirely,
after their logs are archived when archive.s3 is enabled; the others keep
their logs and test artifacts.

With --build, the given builds are cleaned whatever their age.`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
	gcCmd.Flags().BoolVarP(&forceGC, "force", "f", false, "Skip confirmation prompt")
	gcCmd.Flags().BoolVar(&ignoreRetention, "ignore-retention", false, "Clean every done build whatever its retention date")
	gcCmd.Flags().UintSliceVar(&gcBuilds, "build", nil, "Clean only these build ids")
	gcCmd.Flags().BoolVar(&gcFull, "full", false, "With --build, delete the workspaces entirely")
}

func runGC(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if !forceGC && !confirm(gcPrompt()) {
			log.Info("GC cancelled")

			return nil
		}

		engine, err := a.gcEngine()
		if err != nil {
			return err
		}

		var report *gc.Report

		if len(gcBuilds) > 0 {
			report, err = engine.Clean(ctx, gcBuilds, gcFull)
		} else {
			report, err = engine.Sweep(ctx, time.Now().UTC(), ignoreRetention)
		}

		printReport(report)

		return err
	})
}

func gcPrompt() string {
	if len(gcBuilds) > 0 {
		return fmt.Sprintf("Clean the resources of %d build(s)?", len(gcBuilds))
	}

	if ignoreRetention {
		return "Clean every done build regardless of retention?"
	}

	return "Clean the builds past retention?"
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)

	response, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}

	response = strings.TrimSpace(strings.ToLower(response))

	return response == "y" || response == "yes"
}

func printReport(r *gc.Report) {
	if r == nil {
		return
	}

	sections := []struct {
		title string
		items []string
	}{
		{"Workspaces removed", r.Full},
		{"Workspaces cleaned", r.Partial},
		{"Logs archived", r.Archived},
		{"Databases dropped", r.Databases},
		{"Unknown builds", r.Unknown},
	}

	for _, s := range sections {
		if len(s.items) == 0 {
			continue
		}

		fmt.Printf("\n%s (%d):\n", s.title, len(s.items))

		for _, item := range s.items {
			fmt.Printf("  - %s\n", item)
		}
	}

	if len(r.Inconsistent) > 0 {
		fmt.Printf("\nBuilds past retention but not done (%d):\n", len(r.Inconsistent))

		for _, id := range r.Inconsistent {
			fmt.Printf("  - %d\n", id)
		}
	}
}
