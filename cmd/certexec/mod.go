// Package main implements the command line of a node executing certified
// transactions.
//
// Usage:
//
//	certexec --config node.yaml start
//	certexec recover --limit 100
//	certexec wal list
//	certexec wal retry --digest <hex>
//	certexec object show --id <hex>
//	certexec events --digest <hex>
package main

import (
	"fmt"
	"os"

	ucli "github.com/urfave/cli/v2"
	"go.dedis.ch/certexec/config"
)

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func newApp() *ucli.App {
	app := &ucli.App{
		Name:  "certexec",
		Usage: "execute certified transactions exactly once",
		Flags: []ucli.Flag{
			&ucli.StringFlag{
				Name:    "config",
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{"CERTEXEC_CONFIG"},
			},
			&ucli.StringFlag{
				Name:    "data-dir",
				Usage:   "directory of the databases and the key",
				EnvVars: []string{"CERTEXEC_DATA_DIR"},
			},
			&ucli.StringFlag{
				Name:    "engine",
				Usage:   "database engine (bbolt, pebble)",
				EnvVars: []string{"CERTEXEC_ENGINE"},
			},
			&ucli.StringSliceFlag{
				Name:  "env",
				Usage: ".env files loaded before the flags are read",
				Value: ucli.NewStringSlice(".env"),
			},
		},
		Before: func(c *ucli.Context) error {
			return config.LoadEnv(c.StringSlice("env")...)
		},
		Commands: []*ucli.Command{
			{
				Name:  "start",
				Usage: "recover the write-ahead log and execute certificates",
				Flags: []ucli.Flag{
					&ucli.StringFlag{
						Name:    "metrics-addr",
						Usage:   "address of the prometheus endpoint",
						EnvVars: []string{"CERTEXEC_METRICS_ADDR"},
					},
					&ucli.BoolFlag{
						Name:    "tracing",
						Usage:   "report the spans to jaeger",
						EnvVars: []string{"CERTEXEC_TRACING"},
					},
					&ucli.IntFlag{
						Name:    "recovery-limit",
						Usage:   "maximum number of log entries recovered at startup",
						EnvVars: []string{"CERTEXEC_RECOVERY_LIMIT"},
					},
				},
				Action: startAction,
			},
			{
				Name:  "recover",
				Usage: "process the write-ahead log once",
				Flags: []ucli.Flag{
					&ucli.IntFlag{
						Name:  "limit",
						Usage: "maximum number of entries, zero for all",
					},
				},
				Action: recoverAction,
			},
			{
				Name:  "wal",
				Usage: "inspect the write-ahead log",
				Subcommands: []*ucli.Command{
					{
						Name:   "list",
						Usage:  "list the entries",
						Action: walListAction,
					},
					{
						Name:  "retry",
						Usage: "re-arm an abandoned entry",
						Flags: []ucli.Flag{
							&ucli.StringFlag{
								Name:     "digest",
								Usage:    "hexadecimal digest of the transaction",
								Required: true,
							},
						},
						Action: walRetryAction,
					},
				},
			},
			{
				Name:  "object",
				Usage: "inspect the objects",
				Subcommands: []*ucli.Command{
					{
						Name:  "show",
						Usage: "print the latest version of an object",
						Flags: []ucli.Flag{
							&ucli.StringFlag{
								Name:     "id",
								Usage:    "hexadecimal identifier of the object",
								Required: true,
							},
						},
						Action: objectShowAction,
					},
				},
			},
			{
				Name:  "events",
				Usage: "print the events of a transaction",
				Flags: []ucli.Flag{
					&ucli.StringFlag{
						Name:     "digest",
						Usage:    "hexadecimal digest of the transaction",
						Required: true,
					},
				},
				Action: eventsAction,
			},
		},
	}

	app.Setup()

	return app
}
