package cmd

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thiagokokada/repowatch/internal/sink"
	"github.com/thiagokokada/repowatch/internal/watcher"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [repo...]",
		Short: "Print repository change events as JSON lines until interrupted",
		Long: `Watches the git metadata of every given repository (default: the current
directory) and prints one JSON object per detected change. When nats.url is
configured every event is also published to <nats.subjectPrefix>.<type>.`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if len(args) == 0 {
				args = []string{"."}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sinks := sink.Multi{sink.NewJSONLines(cmd.OutOrStdout())}
			if url := a.cfg.NATS.URL; url != "" {
				ns, connErr := sink.ConnectNATS(url, a.cfg.NATS.SubjectPrefix)
				if connErr != nil {
					return connErr
				}
				defer func() { err = errors.Join(err, ns.Close()) }()
				sinks = append(sinks, ns)
			}

			w, err := watcher.New(
				watcher.WithDebounce(a.cfg.Watch.Debounce),
				watcher.WithDedupeWindow(a.cfg.Watch.DedupeWindow),
				watcher.WithActorName(a.cfg.Watch.ActorName),
				watcher.WithSourceName(a.cfg.Watch.Source),
				watcher.WithCommitReader(a.svc),
				watcher.WithSink(sinks),
			)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, w.Close()) }()

			for _, repo := range args {
				root, err := a.svc.RepoRoot(ctx, repo)
				if err != nil {
					return err
				}
				if err := w.Watch(root); err != nil {
					return err
				}
			}
			<-ctx.Done()
			slog.Info("shutting down", slog.Int("repos", len(w.Watched())))
			return nil
		},
	}
}
