package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thiagokokada/repowatch/internal/buildinfo"
	"github.com/thiagokokada/repowatch/internal/git"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "repowatch %s\n", buildinfo.VersionWithTags())
			gitVersion, err := a.svc.GitVersion(cmd.Context())
			if gitVersion != "" {
				fmt.Fprintln(out, gitVersion)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "requires git >= %s\n", git.MinGitVersion())
			return nil
		},
	}
}
