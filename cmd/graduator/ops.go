package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/alejandrodnm/graduator/internal/adapters/notify"
	"github.com/alejandrodnm/graduator/internal/adapters/storage"
	"github.com/alejandrodnm/graduator/internal/application/graduation"
)

func printStatus(ctx context.Context, store *storage.Store) error {
	tasks, err := store.All(ctx)
	if err != nil {
		return err
	}
	last, err := store.LastProcessedTime(ctx)
	if err != nil {
		return err
	}
	notify.NewConsole().PrintTasks(tasks, last)
	return nil
}

func requeueTask(ctx context.Context, store *storage.Store, id string) error {
	if err := graduation.Requeue(ctx, store, id, time.Now()); err != nil {
		return err
	}
	t, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	slog.Info("task requeued", "task", id, "status", t.Status, "next", t.NextStep())
	return nil
}

func failTask(ctx context.Context, store *storage.Store, id, reason string) error {
	if err := graduation.Cancel(ctx, store, id, reason, time.Now()); err != nil {
		return err
	}
	slog.Info("task marked failed", "task", id, "reason", reason)
	return nil
}
