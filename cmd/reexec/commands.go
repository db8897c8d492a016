package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/animus-labs/reexec/internal/client"
)

func listPipelines(ctx context.Context, cmd *cli.Command, c *client.Client, out *printer) error {
	if _, err := args(cmd, 0); err != nil {
		return err
	}
	pipelines, err := c.ListPipelines(ctx)
	if err != nil {
		return err
	}
	return out.pipelines(pipelines)
}

func showPipeline(ctx context.Context, cmd *cli.Command, c *client.Client, out *printer) error {
	a, err := args(cmd, 1)
	if err != nil {
		return err
	}
	detail, err := c.GetPipeline(ctx, a[0])
	if err != nil {
		return err
	}
	return out.pipeline(detail)
}

func registerPipeline(ctx context.Context, cmd *cli.Command, c *client.Client, out *printer) error {
	a, err := args(cmd, 1)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(a[0])
	if err != nil {
		return fmt.Errorf("read pipeline: %w", err)
	}
	p, err := c.RegisterPipeline(ctx, raw)
	if err != nil {
		return err
	}
	return out.pipelines([]client.Pipeline{p})
}

func launch(ctx context.Context, cmd *cli.Command, c *client.Client, out *printer) error {
	a, err := args(cmd, 1)
	if err != nil {
		return err
	}
	res, err := c.Launch(ctx, a[0], cmd.StringMap("tag"))
	if err != nil {
		return err
	}
	return out.dispatched(res)
}

func reexecute(ctx context.Context, cmd *cli.Command, c *client.Client, out *printer) error {
	a, err := args(cmd, 1)
	if err != nil {
		return err
	}
	res, err := c.Reexecute(ctx, a[0], client.ReexecuteRequest{
		Mode:      cmd.String("mode"),
		Selection: cmd.String("select"),
		Tags:      cmd.StringMap("tag"),
	})
	if err != nil {
		return err
	}
	return out.dispatched(res)
}

func preview(ctx context.Context, cmd *cli.Command, c *client.Client, out *printer) error {
	a, err := args(cmd, 1)
	if err != nil {
		return err
	}
	p, err := c.Preview(ctx, a[0], client.ReexecuteRequest{
		Mode:      cmd.String("mode"),
		Selection: cmd.String("select"),
	})
	if err != nil {
		return err
	}
	return out.plan(p)
}

func showRun(ctx context.Context, cmd *cli.Command, c *client.Client, out *printer) error {
	a, err := args(cmd, 1)
	if err != nil {
		return err
	}
	run, err := c.GetRun(ctx, a[0])
	if err != nil {
		return err
	}
	return out.run(run)
}

func lineage(ctx context.Context, cmd *cli.Command, c *client.Client, out *printer) error {
	a, err := args(cmd, 1)
	if err != nil {
		return err
	}
	chain, err := c.Lineage(ctx, a[0])
	if err != nil {
		return err
	}
	return out.runs(chain)
}

func listRuns(ctx context.Context, cmd *cli.Command, c *client.Client, out *printer) error {
	if _, err := args(cmd, 0); err != nil {
		return err
	}
	runs, err := c.ListRuns(ctx, client.RunFilter{
		Pipeline:    cmd.String("pipeline"),
		ParentRunID: cmd.String("parent"),
		RootRunID:   cmd.String("root"),
		Limit:       int(cmd.Int("limit")),
	})
	if err != nil {
		return err
	}
	return out.runs(runs)
}

func reportStep(ctx context.Context, cmd *cli.Command, c *client.Client, out *printer) error {
	a, err := args(cmd, 3)
	if err != nil {
		return err
	}
	if err := c.RecordStep(ctx, a[0], a[1], a[2], cmd.StringSlice("produced")); err != nil {
		return err
	}
	return out.message(fmt.Sprintf("recorded %s %s for run %s", a[1], a[2], a[0]))
}

func finishRun(ctx context.Context, cmd *cli.Command, c *client.Client, out *printer) error {
	a, err := args(cmd, 1)
	if err != nil {
		return err
	}
	run, err := c.FinishRun(ctx, a[0])
	if err != nil {
		return err
	}
	return out.run(run)
}
