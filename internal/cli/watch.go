package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/anneal-io/anneal/internal/config"
)

var flagMetricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch [stack file]",
	Short: "Apply the stack and re-apply whenever the file changes",
	Long: `Runs a continuous reconciliation loop: applies the stack once, then
watches the stack file and re-applies on every change until interrupted.
Failures are logged and the watch keeps running.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := defaultStackFile
	if len(args) > 0 {
		path = args[0]
	}

	rt, err := newRuntime(ctx, 0)
	if err != nil {
		return err
	}
	defer rt.Close()

	if flagMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.met.Handler())
		srv := &http.Server{Addr: flagMetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				rt.log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
		rt.log.Info().Str("addr", flagMetricsAddr).Msg("serving metrics")
	}

	// First pass before watching so a bad stack file fails fast.
	if err := watchApply(ctx, rt, path); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save
	// and the inode-level watch would be lost.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	rt.log.Info().Str("file", path).Msg("watching for changes")

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nWatch stopped.")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			rt.log.Debug().Str("op", event.Op.String()).Msg("stack file changed")
			debounce = time.After(500 * time.Millisecond)

		case <-debounce:
			debounce = nil
			if err := watchApply(ctx, rt, path); err != nil {
				rt.log.Error().Err(err).Msg("apply failed, still watching")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			rt.log.Error().Err(err).Msg("watcher error")
		}
	}
}

// watchApply runs one full reconciliation of the stack file.
func watchApply(ctx context.Context, rt *runtime, path string) error {
	st, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := config.ResolveSecrets(st, rt.scrub); err != nil {
		return err
	}

	unlock, err := rt.lockScope(ctx, st.Scope)
	if err != nil {
		return err
	}
	defer unlock()

	start := time.Now()
	if err := applyStack(ctx, rt, st, nil); err != nil {
		return err
	}
	rt.log.Info().
		Str("scope", st.Scope).
		Int("resources", len(st.Resources)).
		Dur("took", time.Since(start)).
		Msg("stack converged")
	return nil
}
