package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/haricheung/deskpilot/internal/bus"
	"github.com/haricheung/deskpilot/internal/config"
	"github.com/haricheung/deskpilot/internal/driver"
	"github.com/haricheung/deskpilot/internal/embed"
	"github.com/haricheung/deskpilot/internal/gate"
	"github.com/haricheung/deskpilot/internal/history"
	"github.com/haricheung/deskpilot/internal/plancache"
	"github.com/haricheung/deskpilot/internal/planner"
	"github.com/haricheung/deskpilot/internal/runner"
	"github.com/haricheung/deskpilot/internal/session"
	"github.com/haricheung/deskpilot/internal/types"
	"github.com/haricheung/deskpilot/internal/ui"
)

func main() {
	_ = godotenv.Load(".env")

	cfgPath := os.Getenv("DESKPILOT_CONFIG")
	if cfgPath == "" {
		cfgPath = "deskpilot.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deskpilot: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deskpilot: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Durable history first: everything downstream appends through it.
	hist, err := history.NewStore(cfg.HistoryDir, log.Named("history"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "deskpilot: %v\n", err)
		os.Exit(1)
	}
	defer hist.Close()
	if cfg.HistoryRetention > 0 {
		hist.Trim(cfg.HistoryRetention)
	}

	embedder := embed.New(cfg.BaseURL, cfg.APIKey, cfg.EmbedModel, cfg.PlanTimeout, log.Named("embed"))

	var store *plancache.Store
	if cfg.CacheDir != "" {
		store, err = plancache.OpenStore(cfg.CacheDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "deskpilot: %v\n", err)
			os.Exit(1)
		}
	}
	cache := plancache.New(plancache.Config{
		MaxSize:      cfg.MaxCacheSize,
		SimThreshold: cfg.SimThreshold,
		TTL:          cfg.CacheTTL,
	}, embedder, store, log.Named("plancache"))
	defer cache.Close()

	b := bus.New(cfg.SubscriberBuffer, cfg.StreamGrace, log.Named("bus"))
	desktop := driver.New(cfg.DriverCommand, cfg.StepTimeout, log.Named("driver"))
	chat := planner.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.PlanTimeout, log.Named("llm"))
	plnr := planner.New(chat, log.Named("planner"))

	run := runner.New(runner.Config{
		PlanTimeout: cfg.PlanTimeout,
		StepTimeout: cfg.StepTimeout,
		PlanRetries: cfg.PlanRetries,
		StepRetries: cfg.StepRetries,
		PlanBackoff: cfg.PlanBackoff,
		StepBackoff: cfg.StepBackoff,
	}, plnr, desktop, runner.NewObserver(), cache, hist, b, log.Named("runner"))

	mgr := session.New(session.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		QueueCap:      cfg.QueueCap,
	}, gate.New(gate.WithMaxLen(cfg.MaxInstructionLen)), run, b, hist, log.Named("session"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\ndeskpilot: shutting down")
		mgr.Shutdown()
		cache.Close()
		hist.Close()
		os.Exit(130)
	}()

	display := ui.New(os.Stdout)
	app := &app{cfg: cfg, mgr: mgr, hist: hist, cache: cache, display: display}

	if len(os.Args) > 1 {
		code := app.oneShot(strings.Join(os.Args[1:], " "))
		mgr.Shutdown()
		os.Exit(code)
	}
	app.repl()
	mgr.Shutdown()
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stderr"}
	if os.Getenv("DESKPILOT_LOG_JSON") == "true" {
		zcfg.Encoding = "json"
	}
	return zcfg.Build()
}

type app struct {
	cfg     config.Config
	mgr     *session.Manager
	hist    *history.Store
	cache   *plancache.Cache
	display *ui.Display
}

// oneShot runs a single instruction to termination and maps the terminal
// state to an exit code.
func (a *app) oneShot(instruction string) int {
	id, err := a.mgr.Start(instruction)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if !a.watch(id) {
		return 1
	}
	snap, ok := a.mgr.Get(id)
	if !ok || snap.State != types.StateCompleted {
		return 1
	}
	return 0
}

func (a *app) repl() {
	rl, err := readline.New("deskpilot> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	defer rl.Close()

	fmt.Println("deskpilot (type an instruction, or /help)")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if quit := a.command(input); quit {
				return
			}
			continue
		}

		id, err := a.mgr.Start(input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Printf("session %s\n", id)
		a.watch(id)
	}
}

// command handles slash commands. Returns true on /quit.
func (a *app) command(input string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Print(`  <instruction>     run an instruction
  /watch <id>       re-attach to a session's stream
  /cancel <id>      request cancellation
  /history [n] [before]  list recent sessions, older than the cursor
  /show <id>        replay a finished session from history
  /cache            plan cache counters
  /quit             exit
`)

	case "/watch":
		if len(fields) < 2 {
			fmt.Println("usage: /watch <session-id>")
			return false
		}
		a.watch(fields[1])

	case "/cancel":
		if len(fields) < 2 {
			fmt.Println("usage: /cancel <session-id>")
			return false
		}
		fmt.Println(string(a.mgr.Cancel(fields[1])))

	case "/history":
		limit := 10
		var before time.Time
		if len(fields) > 1 {
			if n, err := strconv.Atoi(fields[1]); err == nil && n > 0 {
				limit = n
			}
		}
		if len(fields) > 2 {
			t, err := time.Parse(time.RFC3339, fields[2])
			if err != nil {
				fmt.Println("usage: /history [n] [before RFC3339]")
				return false
			}
			before = t
		}
		recs, err := a.hist.List(limit, before)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		a.display.Sessions(recs)

	case "/show":
		if len(fields) < 2 {
			fmt.Println("usage: /show <session-id>")
			return false
		}
		_, events, err := a.hist.Get(fields[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		for _, e := range events {
			a.display.Event(e)
		}

	case "/cache":
		st := a.cache.Stats()
		fmt.Printf("entries %d  hits %d  misses %d  evictions %d\n",
			st.Size, st.Hits, st.Misses, st.Evictions)

	default:
		fmt.Printf("unknown command %s (try /help)\n", fields[0])
	}
	return false
}

// watch attaches to a session's live stream, falling back to history replay
// once the grace window has passed.
func (a *app) watch(id string) bool {
	sub, err := a.mgr.Subscribe(id)
	if err != nil {
		if errors.Is(err, bus.ErrUnknownSession) {
			_, events, herr := a.hist.Get(id)
			if herr != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", herr)
				return false
			}
			for _, e := range events {
				a.display.Event(e)
			}
			return true
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return false
	}
	return a.display.Watch(sub)
}
