package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/richinsley/comfygen/client"
	"github.com/richinsley/comfygen/config"
	"github.com/richinsley/comfygen/generation"
	"github.com/richinsley/comfygen/journal"
)

type generateOptions struct {
	sets         []string
	bypass       []string
	enable       []string
	images       []string
	masks        []string
	requireImage bool
	requireMask  bool
	outputDir    string
	noDownload   bool
	saveWorkflow string
}

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var opts generateOptions

	cmd := &cobra.Command{
		Use:   "generate WORKFLOW",
		Short: "Submit a workflow and download the resulting image",
		Long: `Submit an API-format workflow (a .json file, or a .png that carries one)
and wait for its image.

Inputs are edited with --set node.input=value, where the value is read as
JSON when possible ("--set 3.seed=42", "--set 6.text=a red fox").
--image and --mask upload a file first; by default it feeds every active
LoadImage (or LoadImageMask) node, or name targets with path@node.input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, ctx, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&opts.sets, "set", nil, "Set a node input: node.input=value (repeatable)")
	flags.StringSliceVar(&opts.bypass, "bypass", nil, "Bypass nodes by id")
	flags.StringSliceVar(&opts.enable, "enable", nil, "Re-enable bypassed nodes by id")
	flags.StringArrayVar(&opts.images, "image", nil, "Upload a source image: path[@node.input,...]")
	flags.StringArrayVar(&opts.masks, "mask", nil, "Upload a mask image: path[@node.input,...]")
	flags.BoolVar(&opts.requireImage, "require-image", false, "Fail unless the workflow has a source image")
	flags.BoolVar(&opts.requireMask, "require-mask", false, "Fail unless the workflow has a mask")
	flags.StringVarP(&opts.outputDir, "output", "o", "", "Directory for the downloaded image (defaults to paths.output_dir)")
	flags.BoolVar(&opts.noDownload, "no-download", false, "Only report the result, do not download it")
	flags.StringVar(&opts.saveWorkflow, "save-workflow", "", "Write the edited workflow to this file before submitting")
	return cmd
}

func runGenerate(cmd *cobra.Command, ctx *commandContext, workflowPath string, opts generateOptions) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := ctx.ensureLogger()
	if err != nil {
		return err
	}
	cc, err := ctx.newClient()
	if err != nil {
		return err
	}

	doc, err := loadWorkflow(workflowPath)
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}
	if err := applyEdits(doc, opts); err != nil {
		return err
	}

	images, err := buildAssets(doc, opts.images, client.RoleImage)
	if err != nil {
		return err
	}
	masks, err := buildAssets(doc, opts.masks, client.RoleMask)
	if err != nil {
		return err
	}

	if opts.saveWorkflow != "" {
		if err := doc.SaveToFile(opts.saveWorkflow); err != nil {
			return fmt.Errorf("save workflow: %w", err)
		}
	}

	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another generation is running (lock %s)", cfg.LockPath())
	}
	defer func() { _ = lock.Unlock() }()

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reporter := newProgressReporter(cmd.ErrOrStderr(), logger)
	controller := generation.NewController(cc, controllerConfig(cfg), generation.Callbacks{
		OnProgress: reporter.onProgress,
		OnPreview:  reporter.onPreview,
		OnStateChange: func(from, to generation.State) {
			logger.Debug("controller state", "from", from, "to", to)
		},
	}, logger)

	startedAt := time.Now()
	run, err := controller.Start(sigCtx, generation.Request{
		Document: doc,
		Assets:   append(images, masks...),
		Requirements: generation.Requirements{
			Image: opts.requireImage,
			Mask:  opts.requireMask,
		},
	})
	if err != nil {
		return fmt.Errorf("submit workflow: %w", err)
	}
	logger.Info("workflow queued", "prompt_id", run.Job.PromptID, "number", run.Job.Number)

	select {
	case <-run.Done():
	case <-sigCtx.Done():
		reporter.finish()
		logger.Info("interrupt received, cancelling", "prompt_id", run.Job.PromptID)
		cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := controller.Cancel(cancelCtx); err != nil && !errors.Is(err, generation.ErrNotGenerating) {
			logger.Warn("cancel failed", "error", err)
		}
		cancel()
	}
	outcome, _ := run.Wait(context.Background())
	reporter.finish()

	var localPath string
	if outcome.Kind == generation.OutcomeSuccess && !opts.noDownload {
		dir := cfg.Paths.OutputDir
		if opts.outputDir != "" {
			if dir, err = config.ExpandPath(opts.outputDir); err != nil {
				return err
			}
		}
		localPath, err = downloadImage(context.Background(), cc, outcome.Image, dir)
		if err != nil {
			logger.Error("download failed", "image", outcome.Image.Filename, "error", err)
		}
	}

	if cfg.Journal.Enabled {
		recordOutcome(cfg, logger, outcome, filepath.Base(workflowPath), startedAt, localPath)
	}

	out := cmd.OutOrStdout()
	switch outcome.Kind {
	case generation.OutcomeSuccess:
		if localPath != "" {
			fmt.Fprintln(out, localPath)
		} else {
			fmt.Fprintln(out, cc.ImageURL(outcome.Image))
		}
		return nil
	case generation.OutcomeCancelled:
		return context.Canceled
	default:
		return fmt.Errorf("generation %s: %s", outcome.Kind, outcome.Reason)
	}
}

func downloadImage(ctx context.Context, cc *client.ComfyClient, ref client.ImageRef, dir string) (string, error) {
	data, err := cc.GetImage(ctx, ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	target := uniquePath(filepath.Join(dir, filepath.Base(ref.Filename)))
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return target, nil
}

// uniquePath appends -1, -2... before the extension until path is free.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func recordOutcome(cfg *config.Config, logger *slog.Logger, outcome generation.Outcome, workflow string, startedAt time.Time, localPath string) {
	store, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		logger.Warn("journal unavailable", "error", err)
		return
	}
	defer store.Close()

	entry := journal.EntryFromOutcome(outcome, cfg.Server.URL, workflow, startedAt)
	entry.LocalPath = localPath
	if _, err := store.Record(context.Background(), entry); err != nil {
		logger.Warn("journal write failed", "error", err)
	}
}
