package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/bg-remover/internal/auth"
	"github.com/example/bg-remover/internal/export"
	"github.com/example/bg-remover/internal/imagefile"
	"github.com/example/bg-remover/internal/imageservice"
	"github.com/example/bg-remover/internal/repository"
	"github.com/example/bg-remover/internal/workflow"
)

const defaultCLIUser = "cli"

func newRunCommand(app *commandContext) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Upload an image, remove its background, and save the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := app.ensure()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			img, err := imagefile.Open(args[0], cfg.Server.MaxUploadBytes)
			if err != nil {
				return err
			}

			client, err := imageservice.New(imageservice.Config{
				BaseURL:  cfg.Service.BaseURL,
				APIToken: cfg.Service.APIToken,
			}, logger)
			if err != nil {
				return err
			}

			resultCache, closeCache, err := openCache(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeCache()

			history, closeHistory, err := openHistory(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeHistory()

			var recorder workflow.Recorder
			if history != nil {
				recorder = repository.NewRecorder(history, user, logger)
			}

			exporter := export.NewFileExporter(client, resultCache, cfg.CacheTTL(), cfg.Export.Dir, logger)
			ctrl := workflow.NewController(client, exporter, recorder, logger, workflow.Options{
				ExportFilename:      cfg.Export.Filename,
				StrictDownload:      cfg.Workflow.StrictDownload,
				RequestTimeout:      cfg.RequestTimeout(),
				PreviewMaxDimension: cfg.Workflow.PreviewMaxDimension,
			})

			steps, runErr := runSteps(ctx, ctrl, img)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderSteps(out, steps))
			if runErr != nil {
				return runErr
			}
			fmt.Fprintln(out, ctrl.State().StatusMessage)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", defaultCLIUser, "User recorded in the action history")
	return cmd
}

type stepOutcome string

const (
	stepOK      stepOutcome = "ok"
	stepWarn    stepOutcome = "warn"
	stepFailed  stepOutcome = "failed"
	stepSkipped stepOutcome = "skipped"
)

type stepResult struct {
	Step     string
	Outcome  stepOutcome
	Detail   string
	Duration time.Duration
}

var workflowSteps = []string{"select", "upload", "process", "download"}

// runSteps drives ctrl through one full workflow and stops at the first
// failed step. Steps after a failure are reported as skipped.
func runSteps(ctx context.Context, ctrl *workflow.Controller, img workflow.Image) ([]stepResult, error) {
	results := make([]stepResult, 0, len(workflowSteps))
	skipRest := func() {
		for _, name := range workflowSteps[len(results):] {
			results = append(results, stepResult{Step: name, Outcome: stepSkipped})
		}
	}
	fail := func(name string, started time.Time, err error) ([]stepResult, error) {
		detail := err.Error()
		if msg := ctrl.State().StatusMessage; msg != "" && workflow.KindOf(err) == workflow.KindRemote {
			detail = msg
		}
		results = append(results, stepResult{Step: name, Outcome: stepFailed, Detail: detail, Duration: time.Since(started)})
		skipRest()
		return results, err
	}

	started := time.Now()
	job, err := ctrl.SelectImage(img)
	if err != nil {
		return fail("select", started, err)
	}
	selected := stepResult{Step: "select", Outcome: stepOK, Detail: fmt.Sprintf("%s (%s, %d bytes)", img.Name, img.MIMEType, len(img.Data))}
	if err := job.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return fail("select", started, ctx.Err())
		}
		selected.Outcome = stepWarn
		selected.Detail = "preview unavailable: " + err.Error()
	}
	selected.Duration = time.Since(started)
	results = append(results, selected)

	if err := ctx.Err(); err != nil {
		skipRest()
		return results, err
	}
	started = time.Now()
	if err := ctrl.Upload(ctx); err != nil {
		return fail("upload", started, err)
	}
	results = append(results, stepResult{Step: "upload", Outcome: stepOK, Detail: "image id " + ctrl.State().ImageID, Duration: time.Since(started)})

	if err := ctx.Err(); err != nil {
		skipRest()
		return results, err
	}
	started = time.Now()
	if err := ctrl.Process(ctx); err != nil {
		return fail("process", started, err)
	}
	results = append(results, stepResult{Step: "process", Outcome: stepOK, Detail: ctrl.State().ResultURL, Duration: time.Since(started)})

	if err := ctx.Err(); err != nil {
		skipRest()
		return results, err
	}
	started = time.Now()
	location, err := ctrl.Download(ctx)
	if err != nil {
		return fail("download", started, err)
	}
	results = append(results, stepResult{Step: "download", Outcome: stepOK, Detail: location, Duration: time.Since(started)})
	return results, nil
}

func renderSteps(out io.Writer, steps []stepResult) string {
	rows := make([][]string, 0, len(steps))
	for _, s := range steps {
		elapsed := ""
		if s.Outcome != stepSkipped {
			elapsed = s.Duration.Round(time.Millisecond).String()
		}
		rows = append(rows, []string{s.Step, string(s.Outcome), s.Detail, elapsed})
	}
	return renderTable(out, []string{"Step", "Result", "Detail", "Time"}, rows, []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight})
}

func newTokenCommand(app *commandContext) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a bearer token for the local API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := app.ensure()
			if err != nil {
				return err
			}
			if err := cfg.RequireJWTSecret(); err != nil {
				return err
			}
			token, err := auth.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func newHistoryCommand(app *commandContext) *cobra.Command {
	var (
		user    string
		limit   int
		summary bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded workflow actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return errors.New("--limit must be positive")
			}
			cfg, logger, err := app.ensure()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			repo, closeRepo, err := openHistory(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeRepo()
			if repo == nil {
				return errors.New("history is disabled: set history.database_dsn or DATABASE_DSN")
			}

			out := cmd.OutOrStdout()
			if summary {
				rows, err := repo.Summarize(cmd.Context(), user)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderSummary(out, rows))
				return nil
			}

			logs, err := repo.ListByUser(cmd.Context(), user, limit)
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				logger.Debug("no history", zap.String("user_id", user))
				fmt.Fprintln(out, "No recorded actions.")
				return nil
			}
			fmt.Fprintln(out, renderHistory(out, logs))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", defaultCLIUser, "User whose actions are listed")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of actions")
	cmd.Flags().BoolVar(&summary, "summary", false, "Show per-action totals instead of individual actions")
	return cmd
}

func renderHistory(out io.Writer, logs []repository.ActionLog) string {
	rows := make([][]string, 0, len(logs))
	for _, log := range logs {
		result := "ok"
		if !log.Success {
			result = "failed: " + log.Error
		}
		rows = append(rows, []string{
			log.CreatedAt.Local().Format(time.DateTime),
			log.Action,
			log.ImageID,
			log.ProcessedReference,
			result,
			strconv.FormatInt(log.DurationMs, 10) + "ms",
		})
	}
	return renderTable(out,
		[]string{"Time", "Action", "Image", "Result file", "Outcome", "Duration"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight})
}

func renderSummary(out io.Writer, summary []repository.ActionSummary) string {
	rows := make([][]string, 0, len(summary))
	for _, s := range summary {
		rows = append(rows, []string{
			s.Action,
			strconv.FormatInt(s.TotalRequests, 10),
			strconv.FormatInt(s.SuccessfulRequests, 10),
			fmt.Sprintf("%.1f%%", s.SuccessRate*100),
			fmt.Sprintf("%.0fms", s.AverageDurationMs),
		})
	}
	return renderTable(out,
		[]string{"Action", "Total", "Succeeded", "Success rate", "Avg duration"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight})
}
