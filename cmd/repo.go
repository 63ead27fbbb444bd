package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thiagokokada/repowatch/internal/git"
	gitbackend "github.com/thiagokokada/repowatch/internal/git/backend"
	"github.com/thiagokokada/repowatch/internal/render"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <repo>",
		Short: "Show the working tree status of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.svc.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printSnapshot(cmd, snap)
		},
	}
}

func newDiffCmd(a *app) *cobra.Command {
	var color, theme string
	cmd := &cobra.Command{
		Use:   "diff <repo> <path>",
		Short: "Show staged and unstaged changes of a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := render.ParseColorMode(color)
			if err != nil {
				return err
			}
			diff, err := a.svc.GetDiff(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"path": args[1], "diff": diff})
			}
			return render.Diff(cmd.OutOrStdout(), diff, mode, render.ThemePreferenceFromString(theme))
		},
	}
	cmd.Flags().StringVar(&color, "color", render.ColorAuto.String(), "colorize output: auto, always or never")
	cmd.Flags().StringVar(&theme, "theme", render.ThemeAuto.String(), "color theme: auto, light or dark")
	return cmd
}

type pathMutation func(s *git.Service, ctx context.Context, repo, path string) (gitbackend.StatusSnapshot, error)

func newPathCmd(a *app, name, short string, mutate pathMutation) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <repo> <path>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := mutate(a.svc, cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return a.printSnapshot(cmd, snap)
		},
	}
}

func newCommitCmd(a *app) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "commit <repo>",
		Short: "Record the staged changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.svc.Commit(cmd.Context(), args[0], message)
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", res.Status.Branch, shortHash(res.Hash))
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newBranchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "branch <repo>",
		Short: "Print the current branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			branch, err := a.svc.CurrentBranch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"branch": branch})
			}
			fmt.Fprintln(cmd.OutOrStdout(), branch)
			return nil
		},
	}
}

func newLastCommitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "last-commit <repo>",
		Short: "Show the commit HEAD points at",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.svc.LastCommit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "commit %s\n", info.Hash)
			fmt.Fprintf(out, "Author: %s <%s>\n", info.Author.Name, info.Author.Email)
			fmt.Fprintf(out, "Date:   %s\n\n", info.Author.When.Format("Mon Jan 2 15:04:05 2006 -0700"))
			fmt.Fprintf(out, "    %s\n", info.Subject)
			return nil
		},
	}
}

func (a *app) printSnapshot(cmd *cobra.Command, snap gitbackend.StatusSnapshot) error {
	if a.asJSON {
		return writeJSON(cmd.OutOrStdout(), snap)
	}
	printStatus(cmd.OutOrStdout(), snap)
	return nil
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
