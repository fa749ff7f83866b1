package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"taskboard/client"
	"taskboard/domain"
)

// settleWindow is how long a one-shot command listens for a rejection after
// sending an update.
const settleWindow = 750 * time.Millisecond

var errUnreachable = errors.New("board server unreachable")

// withBoard resolves configuration, connects and runs fn against the board.
func withBoard(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, b *board, online bool) error) error {
	cfg, err := opts.resolve(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	b, err := openBoard(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b, b.connect(ctx, opts.wait))
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Show the board and follow changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBoard(cmd, opts, func(ctx context.Context, b *board, online bool) error {
				out := cmd.OutOrStdout()
				if !online {
					fmt.Fprintln(cmd.ErrOrStderr(), "server unreachable, retrying in the background")
				}
				redraw := time.NewTimer(0)
				defer redraw.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case n := <-b.r.Notices():
						fmt.Fprintln(cmd.ErrOrStderr(), "!", n.Message)
					case <-b.changed:
						redraw.Reset(100 * time.Millisecond)
					case <-redraw.C:
						fmt.Fprintln(out, "----")
						printBoard(out, b.r.Tasks())
						if p := b.r.Presence(); len(p) > 0 {
							fmt.Fprintf(out, "online: %d\n", len(p))
						}
					}
				}
			})
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.wait)
			defer cancel()
			tasks, err := client.NewHTTPFetcher(cfg.Server, cfg.Token).FetchTasks(ctx)
			if err != nil {
				return err
			}
			printBoard(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
}

func newCreateCommand(opts *rootOptions) *cobra.Command {
	var description, column string
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task; works offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			col, err := parseColumn(column)
			if err != nil {
				return err
			}
			var desc *string
			if cmd.Flags().Changed("description") {
				desc = domain.StringPtr(description)
			}
			return withBoard(cmd, opts, func(ctx context.Context, b *board, online bool) error {
				before := make(map[string]bool)
				for _, t := range b.r.Tasks() {
					before[t.ID] = true
				}
				local, err := b.r.Create(ctx, args[0], desc, col)
				if err != nil {
					return err
				}
				if !online || !b.r.Online() {
					b.report(cmd.OutOrStdout(), "created "+args[0])
					return nil
				}
				if err := b.settle(ctx, opts.wait, func() bool {
					_, pending := b.r.Task(local.ID)
					return !pending
				}); err != nil {
					return err
				}
				for _, t := range b.r.Column(col) {
					if !before[t.ID] && t.Title == local.Title {
						fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", t.ID)
						return nil
					}
				}
				b.report(cmd.OutOrStdout(), "created "+args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	cmd.Flags().StringVarP(&column, "column", "c", string(domain.ColumnTodo), "column: todo, in-progress or done")
	return cmd
}

func newEditCommand(opts *rootOptions) *cobra.Command {
	var title, description string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a task's title or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t, d *string
			if cmd.Flags().Changed("title") {
				t = domain.StringPtr(title)
			}
			if cmd.Flags().Changed("description") {
				d = domain.StringPtr(description)
			}
			if t == nil && d == nil {
				return errors.New("nothing to change: pass --title or --description")
			}
			return updateTask(cmd, opts, args[0], "updated", func(ctx context.Context, r *client.Reconciler) error {
				return r.Edit(ctx, args[0], t, d)
			})
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "new title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "new description, empty to clear")
	return cmd
}

func newMoveCommand(opts *rootOptions) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "move <id> <column>",
		Short: "Move a task to another column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			col, err := parseColumn(args[1])
			if err != nil {
				return err
			}
			return updateTask(cmd, opts, args[0], "moved", func(ctx context.Context, r *client.Reconciler) error {
				return r.Move(ctx, args[0], col, index)
			})
		},
	}
	cmd.Flags().IntVarP(&index, "index", "i", -1, "position in the target column, -1 for the end")
	return cmd
}

func newReorderCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <id> <index>",
		Short: "Move a task within its column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid index %q", args[1])
			}
			return updateTask(cmd, opts, args[0], "reordered", func(ctx context.Context, r *client.Reconciler) error {
				return r.Reorder(ctx, args[0], index)
			})
		},
	}
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateTask(cmd, opts, args[0], "deleted", func(ctx context.Context, r *client.Reconciler) error {
				return r.Delete(ctx, args[0])
			})
		},
	}
}

// updateTask runs an action on an existing task. The board has to be loaded
// first so the action can see the task's version and neighbours.
func updateTask(cmd *cobra.Command, opts *rootOptions, id, verb string, action func(ctx context.Context, r *client.Reconciler) error) error {
	return withBoard(cmd, opts, func(ctx context.Context, b *board, online bool) error {
		if !online {
			return errUnreachable
		}
		if err := action(ctx, b.r); err != nil {
			if errors.Is(err, client.ErrUnknownTask) {
				return fmt.Errorf("%w: %s", err, id)
			}
			return err
		}
		if b.r.Online() {
			if err := b.settle(ctx, settleWindow, nil); err != nil {
				return err
			}
		}
		b.report(cmd.OutOrStdout(), verb+" "+id)
		return nil
	})
}
