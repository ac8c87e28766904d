package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/zhouzirui/theme-pulse/backend/internal/config"
	"github.com/zhouzirui/theme-pulse/backend/internal/model/session"
	"github.com/zhouzirui/theme-pulse/backend/internal/service/provider"
	"github.com/zhouzirui/theme-pulse/backend/internal/service/theme"
)

func summarizeCommand(logger *log.Logger) *cli.Command {
	return &cli.Command{
		Name:  "summarize",
		Usage: "Summarize a responses file (one `name: answer` per line)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "question",
				Aliases:  []string{"q"},
				Usage:    "Question the responses answer",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "responses",
				Aliases: []string{"r"},
				Usage:   "Path to the responses file, - for stdin",
				Value:   "-",
			},
			&cli.IntFlag{
				Name:  "max-themes",
				Usage: "Upper bound on returned themes",
				Value: 6,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Overall deadline for the provider chain",
				Value: 2 * time.Minute,
			},
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "Print the raw model output before the parsed themes",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runSummarize(ctx, cmd, logger)
		},
	}
}

func providersCommand(logger *log.Logger) *cli.Command {
	return &cli.Command{
		Name:  "providers",
		Usage: "List the configured provider chain in fallback order",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("配置加载失败: %w", err)
			}
			for i, p := range cfg.Providers {
				status := "ready"
				if !p.Enabled() {
					status = "missing credentials"
				}
				fmt.Fprintf(os.Stdout, "%d. %s (%s, timeout %s) %s\n", i+1, p.Name, p.Model, p.Timeout, status)
			}
			return nil
		},
	}
}

func runSummarize(ctx context.Context, cmd *cli.Command, logger *log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("配置加载失败: %w", err)
	}

	question, err := session.NormalizeQuestion(cmd.String("question"))
	if err != nil {
		return err
	}

	input, err := openInput(cmd.String("responses"))
	if err != nil {
		return err
	}
	defer input.Close()

	responses, err := parseResponses(input)
	if err != nil {
		return err
	}
	if len(responses) == 0 {
		return fmt.Errorf("no responses to summarize")
	}

	providers, err := provider.FromConfig(ctx, cfg.Providers, logger)
	if err != nil {
		return err
	}
	client, err := provider.NewClient(ctx, providers, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	maxThemes := int(cmd.Int("max-themes"))
	started := time.Now()
	completion, err := client.Complete(ctx, theme.BuildPrompt(question, responses, maxThemes))
	if err != nil {
		return err
	}
	logger.Info("completion received", "provider", completion.Provider, "elapsed", time.Since(started))

	out := os.Stdout
	if cmd.Bool("raw") {
		fmt.Fprintln(out, completion.Text)
	}

	themes, err := theme.NewExtractor(maxThemes).Extract(completion.Text, responses)
	if err != nil {
		return err
	}

	modelUsed := completion.Provider
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(session.Summary{
		Themes:        themes,
		ResponseCount: len(responses),
		ModelUsed:     &modelUsed,
		Timestamp:     time.Now().UTC(),
	})
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open responses file: %w", err)
	}
	return f, nil
}

// parseResponses reads `name: answer` lines. Blank lines and lines starting with # are skipped.
func parseResponses(r io.Reader) ([]session.Response, error) {
	var responses []session.Response
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		name, answer, ok := strings.Cut(text, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: expected `name: answer`", line)
		}
		name, answer, err := session.NormalizeResponse(name, answer)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		responses = append(responses, session.Response{
			ID:          uuid.NewString(),
			SessionID:   "summarytester",
			StudentName: name,
			Answer:      answer,
			SubmittedAt: time.Now().UTC(),
		})
	}
	return responses, scanner.Err()
}
