package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"taskweave/internal/agenttools"
	"taskweave/internal/browseragent"
	"taskweave/internal/catalog"
	"taskweave/internal/codeagent"
	"taskweave/internal/config"
	"taskweave/internal/deepsearch"
	"taskweave/internal/events"
	"taskweave/internal/executor"
	"taskweave/internal/gateway"
	"taskweave/internal/graph"
	"taskweave/internal/logging"
	"taskweave/internal/orchestrator"
	"taskweave/internal/rag"
	"taskweave/internal/rl"
	"taskweave/internal/session"
	"taskweave/internal/websearch"
)

// runtime is the composition root: every long-lived component, wired once
// per invocation.
type runtime struct {
	cfg      *config.Config
	gw       *gateway.Gateway
	catalog  *catalog.Catalog
	store    session.Store
	graph    *graph.Store
	corpus   *rag.Corpus
	selector *rl.Selector
	web      *websearch.Client
	stream   *events.Stream
	agent    *codeagent.Agent
	planner  *deepsearch.Planner
	orch     *orchestrator.Orchestrator
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	path := configPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return nil, err
	}

	userTools, err := catalog.LoadUserTools(cfg.Tools.UserToolsPath)
	if err != nil {
		return nil, err
	}
	cat := catalog.Assemble(&cfg.Tools, userTools)

	store, err := session.New(&cfg.Session, cfg.GetSessionTTL())
	if err != nil {
		return nil, err
	}

	g, err := graph.Open(cfg.Graph.DatabasePath)
	if err != nil {
		return nil, err
	}

	embedder, err := rag.NewEmbedder(ctx, &cfg.Models, gw)
	if err != nil {
		return nil, err
	}
	corpus, err := rag.OpenCorpus(cfg.RAG.DatabasePath, embedder)
	if err != nil {
		return nil, err
	}
	retriever := rag.NewRetriever(corpus, gw, cfg.Models.Chat, cfg.RAG.TopK)

	stream := events.NewStream(64)
	selector, err := rl.NewSelector(&cfg.RL,
		rl.NewExtractor(gw, cfg.Models.Small),
		retriever, gw, cfg.Models.Chat, store, stream)
	if err != nil {
		return nil, err
	}

	web := websearch.New(&cfg.WebSearch)

	execLog := logging.NewExecutionLog(logging.CategoryExecutor, verbose)
	tools := agenttools.Exports(ctx,
		func(c context.Context, query string) (string, error) {
			return web.SearchText(c, query, 3, 60000)
		},
		func(c context.Context, query string) (string, error) {
			return retriever.Retrieve(c, query, rag.StrategyVector)
		})
	sandbox := executor.NewSandbox(executor.Bindings{
		Log: execLog,
		Emit: func(event, payload string) {
			stream.Emit(event, map[string]interface{}{"message": payload})
		},
		Extra: tools,
	}, cfg.GetStepTimeout())

	exec := executor.New(sandbox, execLog)
	exec.ValidationRetries = cfg.Agent.ValidationRetries
	exec.ExecutionRetries = cfg.Agent.ExecutionRetries

	agent := codeagent.New(gw, cfg.Models.Chat, cat, exec, execLog)
	agent.MaxIterations = cfg.Agent.MaxIterations
	agent.ModelRetries = cfg.Models.MaxRetries
	agent.MemoryRecords = cfg.Agent.MemoryLogRecords
	agent.StaticDir = cfg.StaticDir

	planner := deepsearch.NewPlanner(gw, cfg.Models.Chat, store, g, web, retriever, stream, &cfg.DeepSearch)
	planner.ModelRetries = cfg.Models.MaxRetries

	orch := orchestrator.New(agent, planner, selector, store, stream)
	orch.Interactive = cfg.DeepSearch.Interactive

	return &runtime{
		cfg:      cfg,
		gw:       gw,
		catalog:  cat,
		store:    store,
		graph:    g,
		corpus:   corpus,
		selector: selector,
		web:      web,
		stream:   stream,
		agent:    agent,
		planner:  planner,
		orch:     orch,
	}, nil
}

func (r *runtime) close() {
	if err := r.corpus.Close(); err != nil {
		logger.Warn("corpus close", zap.Error(err))
	}
	if err := r.graph.Close(); err != nil {
		logger.Warn("graph close", zap.Error(err))
	}
	if err := r.store.Close(); err != nil {
		logger.Warn("session store close", zap.Error(err))
	}
}

// newBrowserAgent launches Chrome on demand; the browser is heavy enough
// that only the browse command pays for it.
func (r *runtime) newBrowserAgent() (*browseragent.Agent, func(), error) {
	driver, err := browseragent.NewRodDriver(r.cfg.Browser.Headless)
	if err != nil {
		return nil, nil, err
	}
	a := browseragent.New(driver, r.gw, r.cfg.Models.Vision, r.cfg.Models.Small, r.store, r.stream)
	a.CommandTimeout = r.cfg.GetCommandTimeout()
	a.FollowUpTimeout = r.cfg.GetFollowUpTimeout()
	if r.cfg.Browser.MaxTurns > 0 {
		a.MaxTurns = r.cfg.Browser.MaxTurns
	}
	closeFn := func() {
		if err := driver.Close(); err != nil {
			logger.Warn("browser close", zap.Error(err))
		}
	}
	return a, closeFn, nil
}

// drainEvents prints stream events to the terminal and answers
// follow_up_request prompts from stdin. Returns a stop function.
func (r *runtime) drainEvents(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		stdin := bufio.NewReader(os.Stdin)
		for {
			select {
			case <-done:
				return
			case ev := <-r.stream.Events():
				switch ev.Name {
				case events.ReasoningUpdate:
					fmt.Printf("  ... %v\n", ev.Payload["message"])
				case events.FollowUpRequest:
					fmt.Printf("\n%v\n> ", ev.Payload["message"])
					line, err := stdin.ReadString('\n')
					if err != nil {
						continue
					}
					sid, _ := ev.Payload["session_id"].(string)
					if err := r.orch.FollowUpResponse(ctx, sid, strings.TrimSpace(line)); err != nil {
						logger.Warn("follow-up delivery", zap.Error(err))
					}
				case events.RequestEvaluation:
					fmt.Printf("\nRate this answer 1-5 with: taskweave rate %v <rating>\n", ev.Payload["session_id"])
				case events.Error:
					fmt.Fprintf(os.Stderr, "error: %v\n", ev.Payload["error"])
				}
			}
		}
	}()
	return func() { close(done) }
}
