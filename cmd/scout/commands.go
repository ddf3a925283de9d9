package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"scout/internal/backoff"
	"scout/internal/config"
	"scout/internal/devserver"
	"scout/internal/logging"
	"scout/internal/reducer"
	"scout/internal/transport"
)

func newAskCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <query>",
		Short: "Submit a query and follow the run until it finishes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := logging.NewComponentLogger("ask")
			store := reducer.NewStore(
				reducer.WithLogger(logger),
				reducer.WithSourceCacheSize(cfg.SourceCacheSize))
			defer store.Close()

			client := transport.NewClient(cfg.ServerURL, cfg.UserID, transport.WithClientLogger(logger))
			stream, err := newStream(cfg, logger)
			if err != nil {
				return err
			}

			updates := store.Subscribe(64)
			runCtx, finish := context.WithCancel(ctx)
			defer finish()

			group, runCtx := errgroup.WithContext(runCtx)
			group.Go(func() error {
				return ignoreCancelled(stream.Run(runCtx, store.Apply))
			})
			group.Go(func() error {
				d := newDisplay()
				for {
					select {
					case <-runCtx.Done():
						return nil
					case snap, ok := <-updates:
						if !ok {
							return nil
						}
						printLines(d.handle(snap))
						if turnFinished(snap) {
							finish()
							return nil
						}
					}
				}
			})

			store.AppendUserMessage(query)
			taskID, err := client.Enqueue(ctx, nil, query)
			if err != nil {
				finish()
				_ = group.Wait()
				return err
			}
			store.BeginTask(taskID)

			return group.Wait()
		},
	}
}

func newWatchCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the update stream without submitting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := logging.NewComponentLogger("watch")
			store := reducer.NewStore(
				reducer.WithLogger(logger),
				reducer.WithSourceCacheSize(cfg.SourceCacheSize))
			defer store.Close()

			stream, err := newStream(cfg, logger)
			if err != nil {
				return err
			}

			updates := store.Subscribe(64)
			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return ignoreCancelled(stream.Run(ctx, store.Apply))
			})
			group.Go(func() error {
				d := newDisplay()
				for {
					select {
					case <-ctx.Done():
						return nil
					case snap, ok := <-updates:
						if !ok {
							return nil
						}
						printLines(d.handle(snap))
					}
				}
			})

			fmt.Println(gray(fmt.Sprintf("watching updates for user %s (ctrl-c to stop)", cfg.UserID)))
			return group.Wait()
		},
	}
}

func newCancelCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Request cancellation of a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			client := transport.NewClient(cfg.ServerURL, cfg.UserID,
				transport.WithClientLogger(logging.NewComponentLogger("cancel")))
			if err := client.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println(yellow("cancellation requested for " + args[0]))
			return nil
		},
	}
}

func newSteerCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "steer <task-id> <message>",
		Short: "Send a steering message to a running task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			client := transport.NewClient(cfg.ServerURL, cfg.UserID,
				transport.WithClientLogger(logging.NewComponentLogger("steer")))
			messages := []transport.HistoryMessage{{Role: "user", Content: strings.Join(args[1:], " ")}}
			if err := client.Steer(cmd.Context(), args[0], messages); err != nil {
				return err
			}
			fmt.Println(yellow("steering message sent to " + args[0]))
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	serveConfig := devserver.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a stub backend that replays scripted research runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			server := devserver.New(serveConfig, logging.NewComponentLogger("devserver"))
			fmt.Println(bold(fmt.Sprintf("stub backend on %s:%d", serveConfig.Host, serveConfig.Port)))
			return server.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&serveConfig.Host, "host", serveConfig.Host, "listen host")
	cmd.Flags().IntVar(&serveConfig.Port, "port", serveConfig.Port, "listen port")
	cmd.Flags().DurationVar(&serveConfig.FrameInterval, "frame-interval", serveConfig.FrameInterval, "pause between replayed frames")
	return cmd
}

func newStream(cfg config.Config, logger logging.Logger) (*transport.Stream, error) {
	retry := backoff.DefaultConfig()
	if cfg.ReconnectMaxDelaySeconds > 0 {
		retry.MaxDelay = time.Duration(cfg.ReconnectMaxDelaySeconds) * time.Second
	}
	return transport.NewStream(cfg.ServerURL, cfg.UserID,
		transport.WithStreamLogger(logger),
		transport.WithStreamBackoff(retry))
}

// turnFinished reports whether the submitted turn has concluded: the current
// task pointer is cleared and the assistant has answered.
func turnFinished(snap reducer.Snapshot) bool {
	if snap.CurrentTaskID != "" {
		return false
	}
	for _, message := range snap.Messages {
		if message.Role == reducer.RoleAssistant {
			return true
		}
	}
	return false
}

func printLines(lines []string) {
	for _, line := range lines {
		fmt.Println(line)
	}
}

func ignoreCancelled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
