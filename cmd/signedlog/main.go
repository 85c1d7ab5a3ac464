// signedlog runs a node of a producer-signed replicated log.
//
// Usage:
//
//	signedlog keygen --out <prefix>
//	signedlog produce --config <file>
//	signedlog replicate --config <file>
//	signedlog verify --config <file>
//	signedlog version
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/fatih/color"
)

// Set via -ldflags at build time.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if os.Getenv("SIGNEDLOG_DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "keygen":
		err = keygenCmd(args)
	case "produce":
		err = produceCmd(args, logger)
	case "replicate":
		err = replicateCmd(args, logger)
	case "verify":
		err = verifyCmd(args, logger)
	case "version", "--version", "-v":
		fmt.Printf("signedlog %s (%s, %s %s/%s)\n", Version, GitCommit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`signedlog - replicate a producer-signed append-only log

USAGE
    signedlog <command> [flags]

COMMANDS
    keygen     Create a producer key pair
    produce    Append stdin lines to the log and serve it to peers
    replicate  Follow the log from peers and write blocks to stdout
    verify     Check a stored log against the producer's key
    version    Show version

EXAMPLES
    signedlog keygen --out producer
    tail -f app.log | signedlog produce --config producer.yaml
    signedlog replicate --config replica.yaml --from 0 > copy.log

ENVIRONMENT
    SIGNEDLOG_CONFIG  Configuration file used when --config is not given
    SIGNEDLOG_DEBUG   Enable debug logging
`)
}
