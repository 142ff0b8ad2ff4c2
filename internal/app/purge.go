package app

import (
	"context"
	"errors"
)

// Purge deletes persisted alerts older than opts.Before.
func (a *App) Purge(ctx context.Context, opts PurgeOptions) error {
	if opts.Before.IsZero() {
		return errors.New("--before 必须指定")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法清理")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.DryRun {
		alerts, err := store.ListAlertsBetween(ctx, opts.Before.AddDate(-100, 0, 0), opts.Before)
		if err != nil {
			return err
		}
		a.Logger.Warn().Int("would_delete", len(alerts)).Time("before", opts.Before).Msg("清理 dry-run：不会删除数据")
		return nil
	}

	unlock, acquired, err := store.TryAdvisoryLock(ctx, a.Config.Storage.AdvisoryLockKey)
	if err != nil {
		return err
	}
	if !acquired {
		return errors.New("another instance holds the purge lock")
	}
	defer unlock()

	deleted, err := store.DeleteAlertsBefore(ctx, opts.Before.UTC())
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("deleted", deleted).Time("before", opts.Before).Msg("清理完成")
	return nil
}
