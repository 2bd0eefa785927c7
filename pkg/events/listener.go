package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// NotifyListener holds a dedicated connection on LISTEN and forwards
// notifications to the connection manager. It reconnects with backoff; any
// events missed during an outage are recovered by per-subscriber catchup.
type NotifyListener struct {
	dsn     string
	manager *Manager
	logger  *slog.Logger
}

// NewNotifyListener creates a listener for the run-events channel.
func NewNotifyListener(dsn string, manager *Manager, logger *slog.Logger) *NotifyListener {
	return &NotifyListener{dsn: dsn, manager: manager, logger: logger.With("component", "listener")}
}

// Run blocks, listening and dispatching until ctx is cancelled.
func (l *NotifyListener) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		if err := l.listenOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("listener connection lost, reconnecting", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (l *NotifyListener) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, `LISTEN `+notifyChannel); err != nil {
		return err
	}
	l.logger.Info("listening for run events")

	// New subscribers that arrived while disconnected need a catchup pass.
	l.manager.ResyncAll(ctx)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal([]byte(notification.Payload), &env); err != nil {
			l.logger.Warn("malformed notification payload", "error", err)
			continue
		}
		l.manager.Dispatch(ctx, env.JobID, env.Seq)
	}
}
