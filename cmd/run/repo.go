package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/thep200/gitpulse/internal/model"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Register, reset and remove repositories",
}

var repoAddCmd = &cobra.Command{
	Use:   "add <owner/name>",
	Short: "Register a repository for indexing",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, app *App) error {
		ctx := cmd.Context()
		parts := strings.SplitN(args[0], "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("expected owner/name, got %q", args[0])
		}
		ownerID, _ := cmd.Flags().GetString("owner")

		info, err := app.Caller.Repository(ctx, parts[0], parts[1])
		if err != nil {
			return err
		}
		repo := &model.Repo{
			ID:            info.ID,
			OwnerID:       ownerID,
			User:          info.Owner,
			Name:          info.Name,
			IsIndexed:     true,
			DefaultBranch: info.DefaultBranch,
		}
		if cmd.Flags().Changed("size-kloc") {
			size, _ := cmd.Flags().GetFloat64("size-kloc")
			repo.SizeKLOC = &size
		}
		if err := app.Repos.Save(ctx, repo); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s as %d\n", repo.FullName(), repo.ID)
		return nil
	}),
}

var repoDeleteCmd = &cobra.Command{
	Use:   "delete <repository-id>",
	Short: "Remove a repository with its watermarks and jobs",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, app *App) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("repository id %q: %w", args[0], err)
		}
		stats, err := app.Cleanup.DeleteRepository(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d: %d watermarks, %d jobs\n", id, stats.Watermarks, stats.Jobs)
		return nil
	}),
}

var repoResetCmd = &cobra.Command{
	Use:   "reset <repository-id>",
	Short: "Return watermarks to idle and cancel outstanding jobs",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, app *App) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("repository id %q: %w", args[0], err)
		}
		rawKinds, _ := cmd.Flags().GetStringSlice("kind")
		rewind, _ := cmd.Flags().GetBool("rewind")

		var kinds []model.EntityKind
		for _, raw := range rawKinds {
			kind, err := model.ParseKind(raw)
			if err != nil {
				return err
			}
			kinds = append(kinds, kind)
		}
		stats, err := app.Cleanup.ResetIndexing(cmd.Context(), id, kinds, rewind)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reset %d: %d watermarks, %d jobs cancelled\n", id, stats.Watermarks, stats.CancelledJobs)
		return nil
	}),
}

func init() {
	repoAddCmd.Flags().String("owner", "", "Owner id the repository is registered for")
	repoAddCmd.Flags().Float64("size-kloc", 0, "Known size in thousands of lines")
	_ = repoAddCmd.MarkFlagRequired("owner")
	repoResetCmd.Flags().StringSlice("kind", nil, "Entity kinds to reset (default all)")
	repoResetCmd.Flags().Bool("rewind", false, "Also move cursors back to the start")
	repoCmd.AddCommand(repoAddCmd, repoDeleteCmd, repoResetCmd)
	rootCmd.AddCommand(repoCmd)
}
