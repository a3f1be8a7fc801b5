// Package main provides a command-line interface for the promptloop
// optimization loop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/draftlab/promptloop/confidence"
	"github.com/draftlab/promptloop/config"
	"github.com/draftlab/promptloop/convergence"
	"github.com/draftlab/promptloop/evaluation"
	"github.com/draftlab/promptloop/llm"
	"github.com/draftlab/promptloop/orchestrator"
	"github.com/draftlab/promptloop/providers"
	"github.com/draftlab/promptloop/reward"
	"github.com/draftlab/promptloop/rewriter"
	"github.com/draftlab/promptloop/store"
	"github.com/draftlab/promptloop/testcases"
	"github.com/draftlab/promptloop/trigger"
	"github.com/draftlab/promptloop/types"
	"github.com/draftlab/promptloop/utils"
)

const trackerAlpha = 0.3

type cmdFlags struct {
	provider   string
	model      string
	apiKey     string
	dbPath     string
	caseDir    string
	mode       string
	debugLevel string
	timeout    time.Duration
	override   bool
}

func parseFlags() *cmdFlags {
	flags := &cmdFlags{}
	flag.StringVar(&flags.provider, "provider", "", "LLM provider (openai, anthropic, ollama)")
	flag.StringVar(&flags.model, "model", "", "LLM model")
	flag.StringVar(&flags.apiKey, "api-key", "", "API key for the specified provider")
	flag.StringVar(&flags.dbPath, "db", "", "SQLite database path (overrides LOOP_DB_PATH)")
	flag.StringVar(&flags.caseDir, "cases", "", "Directory of static test-case datasets; synthetic when empty")
	flag.StringVar(&flags.mode, "mode", "hybrid", "Rewrite mode (conservative, exploratory, hybrid)")
	flag.StringVar(&flags.debugLevel, "debug-level", "", "Log level (debug, info, warn, error)")
	flag.DurationVar(&flags.timeout, "timeout", 5*time.Minute, "Overall command timeout")
	flag.BoolVar(&flags.override, "override-convergence", false, "Allow a forced run on a converged lab")
	flag.Parse()
	return flags
}

func main() {
	flags := parseFlags()

	if flag.NArg() < 1 {
		usage()
	}
	command := flag.Arg(0)

	cfg, err := config.LoadConfig()
	if err != nil {
		exitWithError("Error loading configuration: %v\n", err)
	}
	applyFlagOverrides(cfg, flags)

	logger := utils.NewLogger(cfg.LogLevel)

	st, err := store.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		exitWithError("Error opening store: %v\n", err)
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	if command == "create-lab" {
		runCreateLab(ctx, st, flag.Args()[1:])
		return
	}

	orch, err := buildOrchestrator(cfg, st, logger, flags)
	if err != nil {
		exitWithError("Error building orchestrator: %v\n", err)
	}

	labID := requireLabID(command)
	switch command {
	case "check":
		runCheck(ctx, orch, labID)
	case "force":
		runForce(ctx, orch, labID, flags.override)
	case "status":
		runStatus(ctx, orch, labID)
	case "assess":
		runAssess(ctx, orch, labID)
	default:
		usage()
	}
}

func usage() {
	_, _ = fmt.Fprintf(os.Stderr,
		"Usage: %s [flags] <command>\n\nCommands:\n"+
			"  check <lab-id>                 run the trigger gates and, if they pass, one cycle\n"+
			"  force <lab-id> <reason>        run a cycle bypassing the gates\n"+
			"  status <lab-id>                show the lab's rate-limit state\n"+
			"  assess <lab-id>                show the lab's convergence assessment\n"+
			"  create-lab <name> <scenario> <prompt-file>  register a lab with its first prompt\n\nFlags:\n",
		os.Args[0])
	flag.PrintDefaults()
	os.Exit(1)
}

func exitWithError(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

func requireLabID(command string) string {
	if flag.NArg() < 2 {
		exitWithError("Usage: %s [flags] %s <lab-id>\n", os.Args[0], command)
	}
	return flag.Arg(1)
}

func applyFlagOverrides(cfg *config.Config, flags *cmdFlags) {
	if flags.provider != "" {
		cfg.Provider = flags.provider
	}
	if flags.model != "" {
		cfg.Model = flags.model
	}
	if flags.apiKey != "" {
		cfg.APIKeys[cfg.Provider] = flags.apiKey
	}
	if flags.dbPath != "" {
		cfg.DatabasePath = flags.dbPath
	}
	if flags.debugLevel != "" {
		var level utils.LogLevel
		if err := level.UnmarshalText([]byte(flags.debugLevel)); err != nil {
			exitWithError("Unknown log level %q\n", flags.debugLevel)
		}
		cfg.LogLevel = level
	}
}

func buildOrchestrator(cfg *config.Config, st store.Store, logger utils.Logger, flags *cmdFlags) (*orchestrator.Orchestrator, error) {
	registry := providers.NewProviderRegistry()
	client, err := llm.NewLLM(cfg, logger, registry)
	if err != nil {
		return nil, fmt.Errorf("creating LLM client: %w", err)
	}

	aggregatorOpts := []reward.AggregatorOption{reward.WithLogProbSource(client)}
	if cfg.WeightProfilePath != "" {
		profiles, err := reward.LoadProfiles(cfg.WeightProfilePath)
		if err != nil {
			return nil, fmt.Errorf("loading weight profiles: %w", err)
		}
		aggregatorOpts = append(aggregatorOpts, reward.WithProfiles(profiles))
	}
	rewards := reward.NewAggregator(logger, aggregatorOpts...)

	var source testcases.Source
	if flags.caseDir != "" {
		source = testcases.NewStaticSource(flags.caseDir)
	} else {
		source = testcases.NewSyntheticSource(client, "", logger)
	}

	engine := evaluation.NewEngine(client, rewards, source, logger,
		evaluation.WithWorkers(cfg.WorkerPoolSize),
		evaluation.WithRateLimit(cfg.ProviderRateLimit, cfg.WorkerPoolSize),
		evaluation.WithSignificanceThreshold(cfg.SignificanceThreshold),
	)

	rw := rewriter.NewRewriter(client, rewards, logger,
		rewriter.WithExploratoryCandidates(cfg.ExploratoryCandidates),
		rewriter.WithTrainingBatchSize(cfg.TrainingBatchSize),
	)

	tracker := confidence.NewEWMATracker(trackerAlpha)
	detector := convergence.NewDetector(st, tracker, logger, convergence.Thresholds{
		PlateauWindow:       cfg.PlateauWindow,
		PlateauEpsilon:      cfg.PlateauEpsilon,
		StabilityWindow:     cfg.StabilityWindow,
		StabilityAcceptance: cfg.StabilityAcceptance,
		MinIterations:       cfg.MinIterations,
		MinFeedback:         cfg.MinFeedbackTotal,
	})

	analyzer := trigger.NewAnalyzer(st, cfg, logger)

	return orchestrator.New(st, analyzer, rw, engine, detector, cfg, logger,
		orchestrator.WithDefaultMode(parseMode(flags.mode)),
		orchestrator.WithTracker(tracker),
	), nil
}

func parseMode(mode string) rewriter.Mode {
	switch strings.ToLower(mode) {
	case "conservative":
		return rewriter.ModeConservative
	case "exploratory":
		return rewriter.ModeExploratory
	default:
		return rewriter.ModeHybrid
	}
}

func runCheck(ctx context.Context, orch *orchestrator.Orchestrator, labID string) {
	result, err := orch.CheckAndTriggerOptimization(ctx, labID)
	if err != nil {
		exitWithError("Error running optimization check: %v\n", err)
	}
	if result == nil {
		fmt.Println("No optimization triggered.")
		return
	}
	printJSON(result)
}

func runForce(ctx context.Context, orch *orchestrator.Orchestrator, labID string, override bool) {
	if flag.NArg() < 3 {
		exitWithError("Usage: %s [flags] force <lab-id> <reason>\n", os.Args[0])
	}
	reason := strings.Join(flag.Args()[2:], " ")

	result, err := orch.ForceOptimization(ctx, labID, reason, override)
	if err != nil {
		exitWithError("Error forcing optimization: %v\n", err)
	}
	if result == nil {
		fmt.Println("Cycle skipped.")
		return
	}
	printJSON(result)
}

func runStatus(ctx context.Context, orch *orchestrator.Orchestrator, labID string) {
	status, err := orch.GetOptimizationStatus(ctx, labID)
	if err != nil {
		exitWithError("Error fetching status: %v\n", err)
	}
	printJSON(status)
}

func runAssess(ctx context.Context, orch *orchestrator.Orchestrator, labID string) {
	assessment, err := orch.AssessConvergence(ctx, labID)
	if err != nil {
		exitWithError("Error assessing convergence: %v\n", err)
	}
	printJSON(assessment)
}

func runCreateLab(ctx context.Context, st store.Store, args []string) {
	if len(args) < 3 {
		exitWithError("Usage: %s [flags] create-lab <name> <scenario> <prompt-file>\n", os.Args[0])
	}
	name, scenario, promptPath := args[0], args[1], args[2]

	content, err := os.ReadFile(promptPath)
	if err != nil {
		exitWithError("Error reading prompt file: %v\n", err)
	}

	now := time.Now().UTC()
	lab := &types.Lab{
		ID:        uuid.NewString(),
		Name:      name,
		Scenario:  scenario,
		CreatedAt: now,
	}
	if err := st.Labs().Create(ctx, lab); err != nil {
		exitWithError("Error creating lab: %v\n", err)
	}

	prompt := &types.Prompt{
		ID:        uuid.NewString(),
		LabID:     lab.ID,
		Content:   strings.TrimSpace(string(content)),
		Version:   1,
		Active:    true,
		CreatedAt: now,
	}
	if err := st.Prompts().Create(ctx, prompt); err != nil {
		exitWithError("Error creating prompt: %v\n", err)
	}

	fmt.Printf("Created lab %s with prompt version 1.\n", lab.ID)
}

func printJSON(v any) {
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitWithError("Error formatting output: %v\n", err)
	}
	fmt.Println(string(pretty))
}
