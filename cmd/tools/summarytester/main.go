package main

import (
	"context"
	"os"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "summarytester"})

	if err := godotenv.Load(); err != nil {
		logger.Warn("无法加载 .env，改用系统环境变量", "err", err)
	}

	app := &cli.Command{
		Name:  "summarytester",
		Usage: "Run the provider chain and theme extractor once, without the server",
		Commands: []*cli.Command{
			summarizeCommand(logger),
			providersCommand(logger),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger.Fatal("summarytester failed", "err", err)
	}
}
