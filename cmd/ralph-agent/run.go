package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ralph-agent/internal/breaker"
	"github.com/ShayCichocki/ralph-agent/internal/config"
	"github.com/ShayCichocki/ralph-agent/internal/coordinator"
	iexec "github.com/ShayCichocki/ralph-agent/internal/exec"
	"github.com/ShayCichocki/ralph-agent/internal/executor"
	"github.com/ShayCichocki/ralph-agent/internal/gateway"
	"github.com/ShayCichocki/ralph-agent/internal/git"
	"github.com/ShayCichocki/ralph-agent/internal/heartbeat"
	"github.com/ShayCichocki/ralph-agent/internal/logging"
	"github.com/ShayCichocki/ralph-agent/internal/orchestrator"
	"github.com/ShayCichocki/ralph-agent/internal/signals"
	"github.com/ShayCichocki/ralph-agent/internal/state"
	"github.com/ShayCichocki/ralph-agent/internal/version"
	"github.com/ShayCichocki/ralph-agent/internal/workspace"
	"github.com/ShayCichocki/ralph-agent/pkg/models"
)

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	creds, err := cfg.Credentials()
	if err != nil {
		return err
	}
	if err := CheckExecutorCLI(cfg.Executor.Command); err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	journal, err := state.Open(cfg.State.Dir)
	if err != nil {
		if errors.Is(err, state.ErrLocked) {
			return fmt.Errorf("another ralph-agent is already running with state dir %s", cfg.State.Dir)
		}
		return err
	}
	defer journal.Close()

	agentID := uuid.NewString()
	client, err := coordinator.New(coordinator.Config{
		BaseURL:           creds.URL,
		Token:             creds.Token,
		AgentID:           agentID,
		RoutePrefix:       cfg.Coordinator.RoutePrefix,
		LegacyRoutePrefix: cfg.Coordinator.LegacyRoutePrefix,
		RequestTimeout:    cfg.Coordinator.RequestTimeout,
	}, log)
	if err != nil {
		return err
	}

	gw := gateway.New(client, gateway.Config{
		ClaimWait:   cfg.Coordinator.ClaimWait,
		ClaimBuffer: cfg.Coordinator.ClaimBuffer,
	}, log)

	jobExecutor, err := buildExecutor(cfg, log)
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithConfig(orchestrator.Config{
			MinRequestInterval:   cfg.Polling.MinRequestInterval,
			NoJobDelay:           cfg.Polling.NoJobDelay,
			BackoffBase:          cfg.Polling.BackoffBase,
			BackoffMax:           cfg.Polling.BackoffMax,
			MaxConsecutiveErrors: cfg.Polling.MaxConsecutiveErrors,
			ShutdownGrace:        cfg.Shutdown.Grace,
			HandleSignals:        true,
		}),
		orchestrator.WithHeartbeat(heartbeat.New(gw, cfg.Heartbeat.Interval, log)),
		orchestrator.WithBreaker(breaker.New(breaker.Config{
			Window:          cfg.Breaker.Window,
			AssumedInterval: cfg.Breaker.AssumedRequestInterval,
			Threshold:       cfg.Breaker.Threshold,
		})),
		orchestrator.WithJournal(journal),
		orchestrator.WithLogger(log),
		orchestrator.WithExit(os.Exit),
	}
	if cfg.Workspace.Enabled {
		opts = append(opts, orchestrator.WithWorkspaces(newWorkspaceManager(cfg, log)))
	}
	orch := orchestrator.New(orchestrator.RequiredConfig{Gateway: gw, Executor: jobExecutor}, opts...)

	watcher, err := signals.NewWatcher(cfg.State.Dir, signals.Handlers{
		OnKill:   orch.Stop,
		OnPause:  orch.Pause,
		OnResume: orch.Resume,
	}, log.Named("signals"))
	if err != nil {
		return err
	}
	watcher.Start()
	defer watcher.Close()

	fmt.Printf("%s ralph-agent %s\n", color.GreenString("▶"), version.Get())
	fmt.Printf("  coordinator: %s\n", creds.URL)
	fmt.Printf("  agent id:    %s\n", agentID)
	fmt.Printf("  state dir:   %s\n\n", cfg.State.Dir)

	return orch.Start(cmd.Context())
}

// buildExecutor routes jobs to the claude CLI, or plan jobs to the
// Messages API when executor.plan_via_api is set.
func buildExecutor(cfg *config.Config, log *logging.Logger) (executor.Executor, error) {
	claude := executor.NewClaude(executor.ClaudeConfig{
		Command:      cfg.Executor.Command,
		Model:        cfg.Executor.Model,
		AllowedTools: cfg.Executor.AllowedTools,
		Timeout:      cfg.Executor.Timeout,
	}, log)
	router := executor.NewRouter(claude)

	if cfg.Executor.PlanViaAPI {
		planner, err := executor.NewPlanAPI(executor.APIConfig{
			Model:         cfg.Executor.Model,
			APIKey:        cfg.Executor.AnthropicAPIKey,
			UseAWSBedrock: cfg.Executor.UseBedrock,
			AWSRegion:     cfg.Executor.AWSRegion,
			AWSProfile:    cfg.Executor.AWSProfile,
			Timeout:       cfg.Executor.Timeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("create plan executor: %w", err)
		}
		router.Route(models.JobTypePlanGeneration, planner)
	}
	return router, nil
}

func newWorkspaceManager(cfg *config.Config, log *logging.Logger) *workspace.Manager {
	timeouts := git.DefaultTimeouts()
	if cfg.Workspace.CreateTimeout > 0 {
		timeouts.Create = cfg.Workspace.CreateTimeout
	}
	if cfg.Workspace.VersionTimeout > 0 {
		timeouts.Version = cfg.Workspace.VersionTimeout
	}
	return workspace.NewManager(workspace.Config{
		Dir:          cfg.Workspace.Dir,
		BranchPrefix: cfg.Workspace.BranchPrefix,
		Timeouts:     timeouts,
	}, iexec.NewRunner(), log)
}
