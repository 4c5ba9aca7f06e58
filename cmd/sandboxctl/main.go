package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/boxfleet/sandboxsdk/interpreter"
	"github.com/boxfleet/sandboxsdk/sandbox"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "sandboxctl",
		Usage: "manage and exercise remote sandboxes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "The backend host reaching the orchestrator and sandbox proxy.",
				EnvVars: []string{"SANDBOX_BACKEND_ADDR"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List running sandboxes.",
				Action: func(ctx *cli.Context) error {
					logger, err := buildLogger(ctx)
					if err != nil {
						return err
					}
					sandboxes, err := sandbox.List(ctx.Context, logger, ctx.String("backend"))
					if err != nil {
						return err
					}
					for _, sb := range sandboxes {
						fmt.Printf("%s\t%s\n", sb.SandboxID, sb.TemplateID)
					}
					return nil
				},
			},
			{
				Name:      "kill",
				Usage:     "Destroy a running sandbox.",
				ArgsUsage: "<sandbox-id>",
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() != 1 {
						return fmt.Errorf("expected exactly one sandbox id")
					}
					logger, err := buildLogger(ctx)
					if err != nil {
						return err
					}
					return sandbox.Kill(ctx.Context, logger, ctx.String("backend"), ctx.Args().First())
				},
			},
			{
				Name:      "run",
				Usage:     "Run a command in a fresh sandbox and print its output.",
				ArgsUsage: "<cmd...>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "template",
						Usage: "The sandbox template to launch.",
					},
					&cli.StringFlag{
						Name:  "cwd",
						Usage: "Working directory for the command.",
					},
				},
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() == 0 {
						return fmt.Errorf("expected a command to run")
					}
					logger, err := buildLogger(ctx)
					if err != nil {
						return err
					}

					sb, err := sandbox.New(ctx.Context, sandbox.Config{
						Template:   ctx.String("template"),
						TargetAddr: ctx.String("backend"),
						Logger:     logger,
					})
					if err != nil {
						return err
					}
					defer sb.Close()

					output, err := sb.Process.StartAndWait(ctx.Context, sandbox.StartProcessRequest{
						Cmd: strings.Join(ctx.Args().Slice(), " "),
						CWD: ctx.String("cwd"),
					})
					if err != nil {
						return err
					}
					if out := output.Stdout(); out != "" {
						fmt.Println(out)
					}
					if errOut := output.Stderr(); errOut != "" {
						fmt.Fprintln(os.Stderr, errOut)
					}
					if code, ok := output.ExitCode(); ok && code != 0 {
						return cli.Exit("", code)
					}
					return nil
				},
			},
			{
				Name:      "exec-code",
				Usage:     "Execute code on a code-interpreter sandbox and print the result.",
				ArgsUsage: "<code>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "template",
						Usage: "The code-interpreter template to launch.",
					},
				},
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() != 1 {
						return fmt.Errorf("expected exactly one code argument")
					}
					logger, err := buildLogger(ctx)
					if err != nil {
						return err
					}

					it, err := interpreter.New(ctx.Context, sandbox.Config{
						Template:   ctx.String("template"),
						TargetAddr: ctx.String("backend"),
						Logger:     logger,
					})
					if err != nil {
						return err
					}
					defer it.Close()

					exec, err := it.ExecCell(ctx.Context, ctx.Args().First())
					if err != nil {
						return err
					}
					for _, line := range exec.Logs.Stdout {
						fmt.Print(line)
					}
					for _, line := range exec.Logs.Stderr {
						fmt.Fprint(os.Stderr, line)
					}
					if exec.Error != nil {
						return fmt.Errorf("%s\n%s", exec.Error, exec.Error.TracebackRaw())
					}
					if text := exec.Text(); text != "" {
						fmt.Println(text)
					}
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildLogger(ctx *cli.Context) (*zap.Logger, error) {
	if ctx.Bool("verbose") {
		return zap.NewDevelopment()
	}
	return zap.NewNop(), nil
}
