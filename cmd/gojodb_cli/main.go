package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/internal/shell"
)

var (
	configPath = flag.String("config", "", "Path to the engine YAML configuration")
	dataDir    = flag.String("data", "", "Data directory (overrides the configuration)")
)

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("create",
			readline.PcItem("table"),
			readline.PcItem("index"),
		),
		readline.PcItem("tables"),
		readline.PcItem("indexes"),
		readline.PcItem("begin"),
		readline.PcItem("commit"),
		readline.PcItem("abort"),
		readline.PcItem("put"),
		readline.PcItem("get"),
		readline.PcItem("update"),
		readline.PcItem("delete"),
		readline.PcItem("scan"),
		readline.PcItem("checkpoint"),
		readline.PcItem("vacuum"),
		readline.PcItem("stats"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

func loadConfig() (storageengine.Config, error) {
	cfg := storageengine.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = storageengine.LoadConfig(*configPath); err != nil {
			return cfg, err
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	return cfg, cfg.Validate()
}

// interactive reads commands until exit or EOF. An open transaction is
// aborted on the way out.
func interactive(ctx context.Context, sh *shell.Shell, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojostore> ",
		HistoryFile:     historyFile,
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	out := rl.Stdout()
	sh.SetOutput(out)

	fmt.Fprintln(out, "GojoStore CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := sh.Exec(ctx, strings.Fields(line)); err != nil {
			if errors.Is(err, shell.ErrQuit) {
				break
			}
			fmt.Fprintf(out, "Error: %v\n", err)
		}
	}
	return sh.Close(ctx)
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	e, err := storageengine.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open %s: %v", cfg.DataDir, err)
	}
	sh := shell.New(e, os.Stdout)

	if args := flag.Args(); len(args) > 0 {
		err = sh.Exec(ctx, args)
		if errors.Is(err, shell.ErrQuit) {
			err = nil
		}
		err = errors.Join(err, sh.Close(ctx))
	} else {
		err = interactive(ctx, sh, filepath.Join(cfg.DataDir, ".gojostore_history"))
	}
	if err != nil {
		log.Printf("Error: %v", err)
	}
	if cerr := e.Close(context.Background()); cerr != nil {
		log.Fatalf("close: %v", cerr)
	}
	fmt.Println("Exiting GojoStore CLI.")
	if err != nil {
		os.Exit(1)
	}
}
