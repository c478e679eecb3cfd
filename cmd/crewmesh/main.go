package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/crewmesh/crewmesh/internal/agents"
	"github.com/crewmesh/crewmesh/internal/diagram"
	"github.com/crewmesh/crewmesh/internal/engine"
	"github.com/crewmesh/crewmesh/internal/events"
	"github.com/crewmesh/crewmesh/internal/logging"
	"github.com/crewmesh/crewmesh/internal/scheduler"
	"github.com/crewmesh/crewmesh/internal/store"
	"github.com/crewmesh/crewmesh/internal/validation"
	"github.com/crewmesh/crewmesh/pkg/schema"
)

const usage = `crewmesh - team workflow execution engine

Usage:
  crewmesh validate <workflow.json>          check a workflow definition
  crewmesh run <workflow.json> [input.json]  execute a workflow and stream progress
  crewmesh diagram <workflow.json>           print a Mermaid flowchart of a workflow
  crewmesh serve                             run the engine with the cron scheduler
`

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "run":
		err = cmdRun(cfg, logger, os.Args[2:])
	case "diagram":
		err = cmdDiagram(os.Args[2:])
	case "serve":
		err = cmdServe(cfg, logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if cfg.LogFormat == "text" {
		inner = slog.NewTextHandler(os.Stderr, opts)
	} else {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func loadDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &def, nil
}

func cmdValidate(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: crewmesh validate <workflow.json>")
	}
	def, err := loadDefinition(args[0])
	if err != nil {
		return err
	}

	v, err := validation.New()
	if err != nil {
		return err
	}
	result := v.ValidateDefinition(def)

	for _, w := range result.Warnings {
		fmt.Printf("warning: %s: %s\n", w.Path, w.Message)
	}
	for _, e := range result.Errors {
		fmt.Printf("error: %s: %s\n", e.Path, e.Message)
	}
	if !result.Valid() {
		return fmt.Errorf("%d validation error(s)", len(result.Errors))
	}
	fmt.Println("valid")
	return nil
}

func cmdDiagram(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: crewmesh diagram <workflow.json>")
	}
	def, err := loadDefinition(args[0])
	if err != nil {
		return err
	}
	fmt.Print(diagram.RenderMermaid(def, nil))
	return nil
}

func cmdRun(cfg Config, logger *slog.Logger, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: crewmesh run <workflow.json> [input.json]")
	}
	def, err := loadDefinition(args[0])
	if err != nil {
		return err
	}

	var input map[string]any
	if len(args) == 2 {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &input); err != nil {
			return fmt.Errorf("parse %s: %w", args[1], err)
		}
	}

	eng, st, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id, err := eng.Start(ctx, def, input, schema.RunConfig{})
	if err != nil {
		return err
	}
	logger.Info("execution started", slog.String("execution_id", id))

	_, sub, err := eng.Subscribe(ctx, id)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return printOutcome(ctx, eng, id)
			}
			printEvent(ev)
		case <-ctx.Done():
			// Interrupted: cancel the run, then drain to the end.
			cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, cancelErr := eng.Cancel(cancelCtx, id)
			cancel()
			if cancelErr != nil {
				return cancelErr
			}
			for ev := range sub.C {
				printEvent(ev)
			}
			return printOutcome(context.Background(), eng, id)
		}
	}
}

func printEvent(ev events.Event) {
	line := map[string]any{
		"seq":       ev.Sequence,
		"type":      ev.Type,
		"timestamp": ev.Timestamp.Format(time.RFC3339),
	}
	if ev.StepID != "" {
		line["step_id"] = ev.StepID
	}
	if ev.Payload != nil {
		line["payload"] = ev.Payload
	}
	out, _ := json.Marshal(line)
	fmt.Println(string(out))
}

func printOutcome(ctx context.Context, eng *engine.Engine, id string) error {
	snap, err := eng.Status(ctx, id)
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(map[string]any{
		"execution_id": snap.ExecutionID,
		"status":       snap.Status,
		"context":      snap.SharedContext,
		"cost":         snap.Cost,
		"usage":        snap.Usage,
		"error":        snap.Error,
	}, "", "  ")
	fmt.Println(string(out))
	if snap.Status != schema.ExecutionStatusCompleted {
		return fmt.Errorf("execution %s", snap.Status)
	}
	return nil
}

func cmdServe(cfg Config, logger *slog.Logger) error {
	eng, st, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sched *scheduler.Scheduler
	if cfg.Scheduler {
		sched = scheduler.New(st, eng, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed run recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	logger.Info("crewmesh started",
		slog.String("db_path", cfg.DBPath),
		slog.Bool("scheduler", cfg.Scheduler),
		slog.Int("pool_size", cfg.PoolSize),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if sched != nil {
		if err := sched.Stop(); err != nil {
			logger.Error("scheduler stop failed", slog.String("error", err.Error()))
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return eng.Shutdown(shutdownCtx)
}

func buildEngine(cfg Config, logger *slog.Logger) (*engine.Engine, *store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, nil, err
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.Migrate(migrateCtx); err != nil {
		st.Close()
		return nil, nil, err
	}

	eng, err := engine.New(engine.Config{
		Store:         st,
		Invoker:       agents.NewCommandInvoker(cfg.Agents),
		Logger:        logger,
		MaxConcurrent: cfg.PoolSize,
		Retention:     time.Duration(cfg.RetentionMinutes) * time.Minute,
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return eng, st, nil
}
