package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Arashiailing/CQLLM/internal/augment"
	"github.com/Arashiailing/CQLLM/internal/codeql"
	"github.com/Arashiailing/CQLLM/internal/config"
	"github.com/Arashiailing/CQLLM/internal/perception"
	"github.com/Arashiailing/CQLLM/internal/prompt"
	"github.com/Arashiailing/CQLLM/internal/refine"
	"github.com/Arashiailing/CQLLM/internal/store"
	"github.com/Arashiailing/CQLLM/internal/usage"
)

// verdictCacheTTL bounds how long a codeql verdict is reused within a run.
const verdictCacheTTL = 30 * time.Minute

func workspaceDir() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

func resolveConfigPath(ws string) string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(ws, config.DefaultConfigPath)
}

// inWorkspace resolves a config-relative path against the workspace.
func inWorkspace(ws, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ws, path)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadPrompts() (*prompt.Set, error) {
	ws, err := workspaceDir()
	if err != nil {
		return nil, err
	}
	return prompt.Load(inWorkspace(ws, cfg.LLM.PromptsFile))
}

func newCodeQLRunner() *codeql.Runner {
	opts := codeql.OptionsFromConfig(cfg)
	if ws, err := workspaceDir(); err == nil {
		opts.Database = inWorkspace(ws, opts.Database)
	}
	return codeql.NewRunner(nil, opts)
}

func newValidator(runner *codeql.Runner) *codeql.Validator {
	return codeql.NewValidator(runner, codeql.WithVerdictCache(verdictCacheTTL, 2*verdictCacheTTL))
}

// newWorkflow fills everything but the transformer from the config.
func newWorkflow(v refine.Validator) refine.Workflow {
	return refine.Workflow{
		Validator:   v,
		Stager:      refine.NewFileStager(cfg.Augment.StagePrefix),
		MaxAttempts: cfg.Augment.MaxAttempts,
		Backoff:     refine.ExponentialBackoff(cfg.GetBackoffBase(), cfg.GetBackoffMax()),
	}
}

// session bundles what a model-driven command needs: the client, token
// accounting and, when enabled, a ledger run.
type session struct {
	ctx     context.Context
	client  perception.LLMClient
	tracker *usage.Tracker
	ledger  *store.Ledger
	runID   string
	command string
}

// openSession validates the LLM config and starts a ledger run. Ledger
// failures only disable history; they never stop the command.
func openSession(ctx context.Context, command, args string) (*session, error) {
	if err := cfg.LLM.Validate(); err != nil {
		return nil, err
	}
	ws, err := workspaceDir()
	if err != nil {
		return nil, err
	}
	s := &session{command: command}

	tracker, err := usage.NewTracker(ws)
	if err != nil {
		logger.Warn("Token usage tracking disabled", zap.Error(err))
	} else {
		s.tracker = tracker
		ctx = usage.NewContext(ctx, tracker)
	}

	if cfg.Store.Enabled {
		l, err := store.Open(inWorkspace(ws, cfg.Store.DatabasePath))
		if err != nil {
			logger.Warn("Run ledger disabled", zap.Error(err))
		} else {
			s.ledger = l
			if s.runID, err = l.StartRun(ctx, command, args); err != nil {
				logger.Warn("Failed to start ledger run", zap.Error(err))
			}
		}
	}
	s.ctx = usage.WithScope(ctx, command, s.runID)

	client, err := perception.NewClientFromConfig(s.ctx, cfg.LLM, cfg.GetLLMTimeout())
	if err != nil {
		s.close()
		return nil, err
	}
	if s.ledger != nil {
		client = perception.NewTracingClient(client, s.ledger, cfg.LLM.Provider)
	}
	s.client = client
	logger.Debug("Session opened",
		zap.String("command", command),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("run_id", s.runID))
	return s, nil
}

// recorder returns the ledger as an attempt recorder, or nil.
func (s *session) recorder() augment.Recorder {
	if s.ledger == nil || s.runID == "" {
		return nil
	}
	return s.ledger
}

// finish closes the ledger run with totals and token counts.
func (s *session) finish(runErr error, totals store.RunTotals) {
	if s.tracker != nil {
		if s.runID != "" {
			tc := s.tracker.RunTotals(s.runID)
			totals.TokensInput, totals.TokensOutput = tc.Input, tc.Output
		}
		if err := s.tracker.Save(); err != nil {
			logger.Warn("Failed to save token usage", zap.Error(err))
		}
	}
	if s.ledger != nil && s.runID != "" {
		status := store.RunCompleted
		switch {
		case errors.Is(runErr, context.Canceled):
			status = store.RunCancelled
		case runErr != nil:
			status = store.RunFailed
		}
		if err := s.ledger.FinishRun(context.WithoutCancel(s.ctx), s.runID, status, totals); err != nil {
			logger.Warn("Failed to finish ledger run", zap.Error(err))
		}
	}
	s.close()
}

func (s *session) close() {
	if s.ledger != nil {
		s.ledger.Close()
		s.ledger = nil
	}
}

// runLine prints where a run can be inspected later.
func (s *session) runLine() string {
	if s.runID == "" {
		return ""
	}
	return mutedStyle.Render(fmt.Sprintf("run %s (cqllm history %s)", s.runID, s.runID))
}
