// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/app"
	"github.com/petervdpas/parley/internal/config"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	userFlag = flag.String("user", "", "User id for the client (overrides client.user_id)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "parley.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("parley v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	command, dir := args[0], args[1]
	switch command {
	case "server":
		runServer(dir)
	case "client":
		runClient(dir)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		showUsage()
		os.Exit(1)
	}
}

// loadDir resolves dir and ensures it holds a config file.
func loadDir(dirArg string) (string, string, config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create directory: %v", err)
	}
	cfgPath := filepath.Join(absDir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", cfgPath)
	}
	return absDir, cfgPath, cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServer(dirArg string) {
	absDir, cfgPath, cfg := loadDir(dirArg)
	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("parley server on %s (Ctrl+C to stop)\n", cfg.Server.HTTPAddr)
	if err := app.RunServer(ctx, app.ServerOptions{BaseDir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func runClient(dirArg string) {
	absDir, cfgPath, cfg := loadDir(dirArg)
	if *userFlag != "" {
		cfg.Client.UserID = *userFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if cfg.Client.UserID == "" {
		log.Fatalf("No user id: set client.user_id in %s, PARLEY_USER_ID, or pass -user", cfgPath)
	}
	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunClient(ctx, app.ClientOptions{
		BaseDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		In:      os.Stdin,
		Out:     os.Stdout,
	}); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("parley - realtime messaging and call signaling")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  parley server <directory>              Run the realtime server")
	fmt.Println("  parley [-user id] client <directory>   Run an interactive client")
	fmt.Println()
	fmt.Println("The directory holds parley.json (created with defaults if missing)")
	fmt.Println("and the sqlite data folder.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -user     Client user id")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PARLEY_HTTP_ADDR, PARLEY_DB_DIR, PARLEY_LOG_LEVEL,")
	fmt.Println("  PARLEY_SERVER_URL, PARLEY_USER_ID (also read from .env)")
}
