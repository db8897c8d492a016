package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/animus-labs/reexec/internal/client"
	"github.com/animus-labs/reexec/internal/platform/requestid"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "reexec",
		Usage: "launch pipelines and re-execute finished runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "reexecution service base url",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("REEXEC_SERVER"),
			},
			&cli.StringFlag{
				Name:    "actor",
				Usage:   "actor recorded in audit and lineage events",
				Value:   os.Getenv("USER"),
				Sources: cli.EnvVars("REEXEC_ACTOR"),
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "output format (text, json)",
				Value:   formatText,
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Usage:   "per-request timeout",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("REEXEC_CLIENT_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "attempts",
				Usage:   "attempts for read requests",
				Value:   3,
				Sources: cli.EnvVars("REEXEC_CLIENT_ATTEMPTS"),
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log requests and retries to stderr",
			},
		},
		Commands: []*cli.Command{
			pipelinesCommand(),
			launchCommand(),
			reexecuteCommand(),
			planCommand(),
			showCommand(),
			lineageCommand(),
			runsCommand(),
			reportCommand(),
			finishCommand(),
		},
	}
}

func pipelinesCommand() *cli.Command {
	return &cli.Command{
		Name:  "pipelines",
		Usage: "list, inspect and register pipelines",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "list registered pipelines",
				Action: withClient(listPipelines),
			},
			{
				Name:      "show",
				Usage:     "show the steps and edges of a pipeline",
				ArgsUsage: "PIPELINE",
				Action:    withClient(showPipeline),
			},
			{
				Name:      "register",
				Usage:     "register a pipeline from a YAML or JSON file",
				ArgsUsage: "FILE",
				Action:    withClient(registerPipeline),
			},
		},
	}
}

func launchCommand() *cli.Command {
	return &cli.Command{
		Name:      "launch",
		Usage:     "start a fresh run of every step",
		ArgsUsage: "PIPELINE",
		Flags:     []cli.Flag{tagFlag()},
		Action:    withClient(launch),
	}
}

func reexecuteCommand() *cli.Command {
	return &cli.Command{
		Name:      "reexecute",
		Usage:     "re-execute a finished run as a new child run",
		ArgsUsage: "RUN_ID",
		Flags:     append(selectionFlags(), tagFlag()),
		Action:    withClient(reexecute),
	}
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Usage:     "preview a re-execution without starting it",
		ArgsUsage: "RUN_ID",
		Flags:     selectionFlags(),
		Action:    withClient(preview),
	}
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "show a run and its step results",
		ArgsUsage: "RUN_ID",
		Action:    withClient(showRun),
	}
}

func lineageCommand() *cli.Command {
	return &cli.Command{
		Name:      "lineage",
		Usage:     "show a run and its ancestors up to the root",
		ArgsUsage: "RUN_ID",
		Action:    withClient(lineage),
	}
}

func runsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "list runs, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pipeline", Usage: "only runs of this pipeline"},
			&cli.StringFlag{Name: "parent", Usage: "only direct children of this run"},
			&cli.StringFlag{Name: "root", Usage: "only runs descending from this root"},
			&cli.IntFlag{Name: "limit", Usage: "maximum runs to list", Value: 20},
		},
		Action: withClient(listRuns),
	}
}

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:      "report",
		Usage:     "record the outcome of a step run by an external engine",
		ArgsUsage: "RUN_ID STEP STATUS",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "produced", Usage: "output produced by the step (repeatable)"},
		},
		Action: withClient(reportStep),
	}
}

func finishCommand() *cli.Command {
	return &cli.Command{
		Name:      "finish",
		Usage:     "seal a run; steps without a result become not_executed",
		ArgsUsage: "RUN_ID",
		Action:    withClient(finishRun),
	}
}

func selectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "mode",
			Usage: "ALL, EXACT, FROM_SELECTED or FROM_FAILURE",
			Value: "FROM_FAILURE",
		},
		&cli.StringFlag{
			Name:    "select",
			Aliases: []string{"s"},
			Usage:   "step selection, e.g. 'extract+,*load'",
		},
	}
}

func tagFlag() cli.Flag {
	return &cli.StringMapFlag{Name: "tag", Usage: "run tag as key=value (repeatable)"}
}

type action func(ctx context.Context, cmd *cli.Command, c *client.Client, out *printer) error

func withClient(fn action) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		root := cmd.Root()
		level := slog.LevelWarn
		if cmd.Bool("verbose") {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(root.ErrWriter, &slog.HandlerOptions{Level: level}))

		attempts := int(cmd.Int("attempts"))
		if attempts < 1 {
			return errors.New("--attempts must be at least 1")
		}
		c, err := client.New(client.Config{
			BaseURL:  cmd.String("server"),
			Actor:    cmd.String("actor"),
			Timeout:  cmd.Duration("timeout"),
			Attempts: uint(attempts),
		}, logger)
		if err != nil {
			return err
		}
		out, err := newPrinter(root.Writer, cmd.String("output"))
		if err != nil {
			return err
		}
		ctx = requestid.WithContext(ctx, requestid.New())
		return fn(ctx, cmd, c, out)
	}
}

// args returns exactly n positional arguments.
func args(cmd *cli.Command, n int) ([]string, error) {
	if cmd.Args().Len() != n {
		return nil, fmt.Errorf("%s expects %s", cmd.Name, cmd.ArgsUsage)
	}
	out := make([]string, n)
	for i := range out {
		out[i] = strings.TrimSpace(cmd.Args().Get(i))
		if out[i] == "" {
			return nil, fmt.Errorf("%s expects %s", cmd.Name, cmd.ArgsUsage)
		}
	}
	return out, nil
}
