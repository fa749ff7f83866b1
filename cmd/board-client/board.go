package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/client"
	"taskboard/domain"
)

// board is a connected reconciler plus the pieces that keep it running.
type board struct {
	r       *client.Reconciler
	queue   *client.Queue
	changed chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func openBoard(ctx context.Context, cfg clientConfig) (*board, error) {
	logger := log.StandardLogger()
	q, err := client.OpenQueue(cfg.QueueDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	b := &board{queue: q, changed: make(chan struct{}, 1), done: make(chan struct{})}
	conn := client.NewConn(client.WebsocketURL(cfg.Server), cfg.Token, cfg.Name, logger)
	b.r = client.NewReconciler(conn, client.NewHTTPFetcher(cfg.Server, cfg.Token),
		client.WithLogger(logger),
		client.WithQueue(q),
		client.WithOnChange(func() {
			select {
			case b.changed <- struct{}{}:
			default:
			}
		}),
	)

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go func() {
		defer close(b.done)
		conn.Run(runCtx, b.r)
	}()
	return b, nil
}

func (b *board) Close() error {
	b.cancel()
	<-b.done
	return b.queue.Close()
}

// connect waits until queued commands are replayed and the mirror holds the
// server's board. It returns false when the server stays unreachable.
func (b *board) connect(ctx context.Context, wait time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for !b.r.Online() {
		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
	if err := b.r.Resync(ctx); err != nil {
		log.WithError(err).Warn("unable to load board")
		return false
	}
	return true
}

// settle waits for the server's answer to the last action. confirmed, when
// set, reports that the answer has arrived; otherwise settle returns once
// wait passes without a rejection.
func (b *board) settle(ctx context.Context, wait time.Duration, confirmed func() bool) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if confirmed != nil && confirmed() {
			return nil
		}
		select {
		case n := <-b.r.Notices():
			return errors.New(n.Message)
		case <-b.changed:
		case <-timer.C:
			if confirmed == nil {
				return nil
			}
			return fmt.Errorf("no confirmation from server within %s", wait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// report tells the user what became of an action taken while offline.
func (b *board) report(w io.Writer, what string) {
	if b.r.Online() {
		fmt.Fprintln(w, what)
		return
	}
	fmt.Fprintf(w, "%s (offline, %d command(s) queued for the next connection)\n", what, b.r.Queued())
}

func printBoard(w io.Writer, tasks []domain.Task) {
	byColumn := make(map[domain.Column][]domain.Task, len(domain.Columns))
	for _, t := range tasks {
		byColumn[t.Column] = append(byColumn[t.Column], t)
	}
	for _, col := range domain.Columns {
		fmt.Fprintf(w, "%s (%d)\n", col, len(byColumn[col]))
		for _, t := range byColumn[col] {
			fmt.Fprintf(w, "  %s  %s  v%d\n", t.ID, t.Title, t.Version)
			if t.Description != nil && *t.Description != "" {
				fmt.Fprintf(w, "      %s\n", strings.ReplaceAll(*t.Description, "\n", "\n      "))
			}
		}
	}
}

func parseColumn(s string) (domain.Column, error) {
	col := domain.Column(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if !col.Valid() {
		return "", fmt.Errorf("unknown column %q", s)
	}
	return col, nil
}
