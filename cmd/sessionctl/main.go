// Command sessionctl inspects and administers sessions directly in the
// shared store. It reads the same environment as sessiond.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "sessionctl",
		Usage: "Administer sessions in the shared store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "store-url",
				EnvVars: []string{"STORE_URL"},
				Usage:   "redis:// URL of the session store",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "settings file (.env, .yaml or .json)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print JSON instead of a table",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "Show one session",
				ArgsUsage: "SESSION_ID",
				Action:    showSession,
			},
			{
				Name:      "list",
				Aliases:   []string{"ls"},
				Usage:     "List a user's sessions",
				ArgsUsage: "USER_ID",
				Action:    listSessions,
			},
			{
				Name:      "lock",
				Usage:     "Lock a session until an administrator unlocks it",
				ArgsUsage: "SESSION_ID",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Aliases: []string{"r"}, Value: "locked by operator"},
				},
				Action: lockSession,
			},
			{
				Name:      "unlock",
				Usage:     "Unlock a locked session",
				ArgsUsage: "SESSION_ID",
				Action:    unlockSession,
			},
			{
				Name:      "terminate",
				Aliases:   []string{"revoke"},
				Usage:     "Terminate a session, or every session of a user with --user",
				ArgsUsage: "SESSION_ID | --user USER_ID",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "terminate all sessions of this user"},
					&cli.StringFlag{Name: "reason", Aliases: []string{"r"}, Value: "terminated by operator"},
				},
				Action: terminateSession,
			},
			{
				Name:  "sweep",
				Usage: "Purge expired and ended sessions once",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "retention", Usage: "keep ended sessions this long (default JANITOR_RETENTION)"},
				},
				Action: sweep,
			},
		},
	}
}
