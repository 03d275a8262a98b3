package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	autoRebase    bool
	batchCategory string
)

var prepareCmd = &cobra.Command{
	Use:   "prepare <batch-id>",
	Short: "Resolve the commits of a preparing batch and create its builds",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrepare,
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Manage batches",
}

var registerHeadCmd = &cobra.Command{
	Use:   "register-head <branch-id>",
	Short: "Link the current head of a branch to the preparing batch of its bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegisterHead,
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Prepare quiet batches and close finished ones once",
	Args:  cobra.NoArgs,
	RunE:  runProcess,
}

var createBuildCmd = &cobra.Command{
	Use:   "create-build <slot-id>",
	Short: "Create the build of a batch slot that has none",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreateBuild,
}

func init() {
	rootCmd.AddCommand(prepareCmd)
	prepareCmd.Flags().BoolVar(&autoRebase, "auto-rebase", false, "Rebase resolved commits on their base heads")

	rootCmd.AddCommand(batchCmd)
	batchCmd.AddCommand(registerHeadCmd, processCmd, createBuildCmd)
	registerHeadCmd.Flags().StringVar(&batchCategory, "category", "", "Batch category (defaults to batch.default_category)")
}

func parseID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", arg, err)
	}

	return uint(id), nil
}

// withApp loads the config and runs fn against an app without container
// runtime.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	return fn(ctx, a)
}

func runPrepare(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.batches.Prepare(ctx, id, autoRebase); err != nil {
			return fmt.Errorf("preparing batch %d: %w", id, err)
		}

		logs, err := a.store.ListBatchLogs(ctx, id)
		if err != nil {
			return err
		}

		for _, l := range logs {
			fmt.Printf("[%s] %s\n", l.Level, l.Message)
		}

		log.WithField("batch", id).Info("Batch prepared")

		return nil
	})
}

func runRegisterHead(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		b, err := a.batches.RegisterHead(ctx, id, batchCategory)
		if err != nil {
			return err
		}

		log.WithFields(logrus.Fields{
			"batch":    b.ID,
			"category": b.Category,
			"commits":  len(b.CommitLinks),
		}).Info("Head registered")

		return nil
	})
}

func runProcess(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		processed, err := a.batches.Process(ctx, time.Now().UTC())

		log.WithField("batches", processed).Info("Batches processed")

		return err
	})
}

func runCreateBuild(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		b, err := a.batches.CreateMissingBuild(ctx, id)
		if err != nil {
			return err
		}

		fmt.Println(b.ID)

		return nil
	})
}
