package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"example.com/moderationbridge/internal/domain"
)

// TransitionChannel is the NOTIFY channel the transition trigger publishes on.
const TransitionChannel = "moderation_transitions"

// Listener turns NOTIFY payloads from the transition trigger into
// domain.Transition values. It reconnects with backoff if the dedicated
// connection drops.
type Listener struct {
	db  *DB
	log *zap.Logger
}

func NewListener(db *DB, log *zap.Logger) *Listener {
	return &Listener{db: db, log: log.Named("listener")}
}

// Transitions starts listening and returns a channel that is closed
// once ctx is done.
func (l *Listener) Transitions(ctx context.Context) (<-chan domain.Transition, error) {
	out := make(chan domain.Transition, 64)
	go l.run(ctx, out)
	return out, nil
}

func (l *Listener) run(ctx context.Context, out chan<- domain.Transition) {
	defer close(out)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = 30 * time.Second

	for ctx.Err() == nil {
		var conn *pgxpool.Conn
		err := backoff.RetryNotify(func() error {
			c, err := l.listen(ctx)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
			l.log.Warn("listen failed, retrying", zap.Error(err), zap.Duration("next", next))
		})
		if err != nil {
			return
		}
		bo.Reset()
		l.log.Info("listening for content transitions", zap.String("channel", TransitionChannel))

		err = l.drain(ctx, conn.Conn(), out)
		conn.Release()
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("listener connection lost", zap.Error(err))
	}
}

func (l *Listener) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := l.db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+TransitionChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}
	return conn, nil
}

func (l *Listener) drain(ctx context.Context, conn *pgx.Conn, out chan<- domain.Transition) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		tr, err := ParseTransition([]byte(n.Payload))
		if err != nil {
			l.log.Warn("dropping malformed transition", zap.Error(err))
			continue
		}
		select {
		case out <- tr:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ParseTransition decodes the trigger's {"before": row, "after": row} payload.
func ParseTransition(payload []byte) (domain.Transition, error) {
	var tr domain.Transition
	if err := json.Unmarshal(payload, &tr); err != nil {
		return tr, fmt.Errorf("decode transition: %w", err)
	}
	if tr.After.ID == "" || tr.After.ContentType == "" {
		return tr, fmt.Errorf("decode transition: missing record identity")
	}
	return tr, nil
}
