package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/ethpandaops/runboor/pkg/store"
)

var buildMessage string

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Act on builds",
}

var killCmd = &cobra.Command{
	Use:   "kill <build-id>",
	Short: "Request the kill of a build and its descendants",
	Long: `Request the kill of a build and its descendants. The host owning each
build stops it on its next scheduler tick.`,
	Args: cobra.ExactArgs(1),
	RunE: runKill,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <build-id>",
	Short: "Create a new build with the params of a build",
	Args:  cobra.ExactArgs(1),
	RunE:  runRebuild,
}

var wakeUpCmd = &cobra.Command{
	Use:   "wake-up <build-id>",
	Short: "Request a done build to be started again in running mode",
	Args:  cobra.ExactArgs(1),
	RunE:  runWakeUp,
}

var treeCmd = &cobra.Command{
	Use:   "tree <build-id>",
	Short: "Print a build and its descendants",
	Args:  cobra.ExactArgs(1),
	RunE:  runTree,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.AddCommand(killCmd, rebuildCmd, wakeUpCmd, treeCmd)

	killCmd.Flags().StringVarP(&buildMessage, "message", "m", "", "Message recorded in the build logs")
	rebuildCmd.Flags().StringVarP(&buildMessage, "message", "m", "", "Message recorded in the build logs")
}

// withBuild loads the build named by the first argument.
func withBuild(cmd *cobra.Command, args []string, fn func(ctx context.Context, a *app, b *store.Build) error) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		b, err := a.store.GetBuild(ctx, id)
		if err != nil {
			return fmt.Errorf("loading build %d: %w", id, err)
		}

		return fn(ctx, a, b)
	})
}

func runKill(cmd *cobra.Command, args []string) error {
	return withBuild(cmd, args, func(ctx context.Context, a *app, b *store.Build) error {
		message := buildMessage
		if message == "" {
			message = "Killed from command line"
		}

		if err := a.machine.AskKill(ctx, b, message); err != nil {
			return err
		}

		log.WithField("build", b.ID).Info("Kill requested")

		return nil
	})
}

func runRebuild(cmd *cobra.Command, args []string) error {
	return withBuild(cmd, args, func(ctx context.Context, a *app, b *store.Build) error {
		nb, err := a.machine.Rebuild(ctx, b, buildMessage)
		if err != nil {
			return err
		}

		log.WithFields(logrus.Fields{"build": b.ID, "rebuild": nb.ID}).Info("Rebuild created")
		fmt.Println(nb.ID)

		return nil
	})
}

func runWakeUp(cmd *cobra.Command, args []string) error {
	return withBuild(cmd, args, func(ctx context.Context, a *app, b *store.Build) error {
		if err := a.machine.WakeUp(ctx, b); err != nil {
			return err
		}

		log.WithFields(logrus.Fields{"build": b.ID, "host": b.Host}).Info("Wake-up requested")

		return nil
	})
}

func runTree(cmd *cobra.Command, args []string) error {
	return withBuild(cmd, args, func(ctx context.Context, a *app, b *store.Build) error {
		descendants, err := a.store.ListSubtree(ctx, b)
		if err != nil {
			return err
		}

		fmt.Print(renderTree(b, descendants))

		return nil
	})
}

// renderTree prints root and its descendants, children ordered by id.
func renderTree(root *store.Build, descendants []store.Build) string {
	children := make(map[uint][]*store.Build, len(descendants))

	for i := range descendants {
		d := &descendants[i]
		if d.ParentID != nil {
			children[*d.ParentID] = append(children[*d.ParentID], d)
		}
	}

	tree := treeprint.NewWithRoot(buildLabel(root))

	var add func(branch treeprint.Tree, id uint)
	add = func(branch treeprint.Tree, id uint) {
		for _, c := range children[id] {
			if len(children[c.ID]) == 0 {
				branch.AddNode(buildLabel(c))

				continue
			}

			add(branch.AddBranch(buildLabel(c)), c.ID)
		}
	}

	add(tree, root.ID)

	return tree.String()
}

func buildLabel(b *store.Build) string {
	label := fmt.Sprintf("%d %s/%s", b.ID, b.GlobalState, b.GlobalResult)

	if b.ActiveStep != nil {
		label += " [" + b.ActiveStep.Name + "]"
	}

	if b.OrphanResult {
		label += " (orphan)"
	}

	if b.Description != "" {
		label += " " + b.Description
	}

	return label
}
