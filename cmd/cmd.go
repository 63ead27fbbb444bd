package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/thiagokokada/repowatch/internal/config"
	"github.com/thiagokokada/repowatch/internal/git"
	"github.com/thiagokokada/repowatch/internal/logger"
	"github.com/thiagokokada/repowatch/internal/queue"
)

func Run() error {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	return errors.Join(err, a.close())
}

// app carries the state shared by every subcommand. It is populated in the
// root command's PersistentPreRunE and released by run.
type app struct {
	configPath string
	verbose    bool
	asJSON     bool

	cfg   *config.Config
	queue *queue.Queue
	svc   *git.Service
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "repowatch",
		Short:         "Watch git repositories for changes and run repository commands",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultConfigFile, "path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&a.verbose, "verbose", false, "enable verbose logging")
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "print results as JSON")

	root.AddCommand(
		newWatchCmd(a),
		newStatusCmd(a),
		newDiffCmd(a),
		newPathCmd(a, "stage", "Stage a file", (*git.Service).StageFile),
		newPathCmd(a, "unstage", "Remove a file from the index", (*git.Service).UnstageFile),
		newPathCmd(a, "discard", "Discard working tree changes of a file", (*git.Service).DiscardFile),
		newCommitCmd(a),
		newBranchCmd(a),
		newLastCommitCmd(a),
		newVersionCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if cmd.Flags().Changed("config") {
		if _, err := os.Stat(a.configPath); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	cfg, err := config.LoadFrom(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	logger.Setup(cmd.ErrOrStderr(), cfg.Log, a.verbose)

	a.queue = queue.New(queue.Options{IdleTimeout: cfg.Queue.IdleTimeout})
	a.svc = git.New(git.Options{
		Runner:             cfg.Git.Runner(),
		MaxConcurrentReads: cfg.Git.MaxConcurrentReads,
		Queue:              a.queue,
	})
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Close())
		a.svc = nil
	}
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
		a.queue = nil
	}
	return errors.Join(errs...)
}
