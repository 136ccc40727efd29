package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	authcore "github.com/Synapse-Technology/edulink-sub008"
	"github.com/Synapse-Technology/edulink-sub008/config"
	"github.com/Synapse-Technology/edulink-sub008/internal/redisconn"
	"github.com/Synapse-Technology/edulink-sub008/janitor"
	"github.com/Synapse-Technology/edulink-sub008/session"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

const commandTimeout = 30 * time.Second

type env struct {
	m       *authcore.Manager
	store   *session.RedisStore
	conn    *redisconn.Conn
	janitor janitor.Config
	out     io.Writer
	json    bool
}

func (e *env) Close() {
	e.m.Close()
	_ = e.conn.Close()
}

func openEnv(c *cli.Context) (*env, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if url := c.String("store-url"); url != "" {
		cfg.StoreURL = url
	}
	if cfg.StoreURL == "" {
		return nil, errors.New("STORE_URL or --store-url is required")
	}

	logger := cfg.Logger(c.App.ErrWriter)
	core, err := cfg.Core()
	if err != nil {
		return nil, err
	}
	janitorCfg, err := cfg.Janitor(logger)
	if err != nil {
		return nil, err
	}

	conn, err := redisconn.Open(c.Context, cfg.StoreURL, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	store := session.NewRedisStore(conn.Client, session.WithKeyPrefix(core.Store.KeyPrefix))

	m, err := authcore.New().
		WithConfig(core).
		WithStore(store).
		WithLogger(logger).
		Build()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &env{
		m:       m,
		store:   store,
		conn:    conn,
		janitor: janitorCfg,
		out:     c.App.Writer,
		json:    c.Bool("json"),
	}, nil
}

// withEnv runs fn with an open environment and a bounded context.
func withEnv(c *cli.Context, fn func(ctx context.Context, e *env) error) error {
	e, err := openEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(c.Context, commandTimeout)
	defer cancel()
	return fn(ctx, e)
}

func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one %s argument", name)
	}
	return c.Args().First(), nil
}

func showSession(c *cli.Context) error {
	id, err := requireArg(c, "SESSION_ID")
	if err != nil {
		return err
	}
	return withEnv(c, func(ctx context.Context, e *env) error {
		s, err := e.m.GetSession(ctx, id)
		if err != nil {
			return err
		}
		return e.print([]*authcore.Session{s})
	})
}

func listSessions(c *cli.Context) error {
	userID, err := requireArg(c, "USER_ID")
	if err != nil {
		return err
	}
	return withEnv(c, func(ctx context.Context, e *env) error {
		sessions, err := e.m.ListSessions(ctx, userID)
		if err != nil {
			return err
		}
		return e.print(sessions)
	})
}

func lockSession(c *cli.Context) error {
	id, err := requireArg(c, "SESSION_ID")
	if err != nil {
		return err
	}
	return withEnv(c, func(ctx context.Context, e *env) error {
		if err := e.m.LockSession(ctx, id, c.String("reason")); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "locked %s\n", id)
		return nil
	})
}

func unlockSession(c *cli.Context) error {
	id, err := requireArg(c, "SESSION_ID")
	if err != nil {
		return err
	}
	return withEnv(c, func(ctx context.Context, e *env) error {
		if err := e.m.UnlockSession(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "unlocked %s\n", id)
		return nil
	})
}

func terminateSession(c *cli.Context) error {
	userID := c.String("user")
	if userID == "" && c.NArg() != 1 {
		return errors.New("expected SESSION_ID or --user")
	}
	return withEnv(c, func(ctx context.Context, e *env) error {
		if userID != "" {
			n, err := e.m.TerminateAllForUser(ctx, userID, c.String("reason"))
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "terminated %d sessions of %s\n", n, userID)
			return nil
		}

		id := c.Args().First()
		if err := e.m.TerminateSession(ctx, id, c.String("reason")); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "terminated %s\n", id)
		return nil
	})
}

func sweep(c *cli.Context) error {
	return withEnv(c, func(ctx context.Context, e *env) error {
		cfg := e.janitor
		if c.IsSet("retention") {
			cfg.Retention = c.Duration("retention")
		}
		j, err := janitor.New(e.store, cfg)
		if err != nil {
			return err
		}
		res, err := j.RunOnce(ctx)
		if err != nil {
			return err
		}
		if e.json {
			return json.NewEncoder(e.out).Encode(res)
		}
		fmt.Fprintf(e.out, "scanned %d, deleted %d, indexes pruned %d\n", res.Scanned, res.Deleted, res.IndexesPruned)
		return nil
	})
}

type sessionRow struct {
	SessionID      string            `json:"session_id"`
	UserID         string            `json:"user_id"`
	Status         string            `json:"status"`
	IPAddress      string            `json:"ip_address,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func rowOf(s *authcore.Session) sessionRow {
	row := sessionRow{
		SessionID:      s.SessionID,
		UserID:         s.UserID,
		Status:         s.Status.String(),
		IPAddress:      s.IPAddress,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		ExpiresAt:      s.ExpiresAt,
		Metadata:       s.Metadata,
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		row.EndedAt = &ended
	}
	return row
}

func (e *env) print(sessions []*authcore.Session) error {
	rows := make([]sessionRow, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, rowOf(s))
	}
	if e.json {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION ID\tUSER ID\tSTATUS\tIP\tLAST ACTIVITY\tEXPIRES")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.SessionID, r.UserID, r.Status, r.IPAddress,
			r.LastActivityAt.Format(time.RFC3339), r.ExpiresAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "\nTotal: %d sessions\n", len(rows))
	return nil
}
