package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fedtrust/pkg/config"
	"fedtrust/pkg/node"
)

var (
	configFile string
	verbose    bool
	jsonOutput bool
)

// exitCode carries an operation's non-zero outcome to main without printing
// it as an error.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "fedtrust",
		Short: "Federated trust-weighted consensus engine",
		Long: `Runs one member of a federation of independent organizations that
cross-validate event logs and build-verification anchors. Trust in each
peer is earned through consensus agreement and lost through disagreement
or invalid signatures.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		syncCmd(),
		validateCmd(),
		proposeCmd(),
		inspectTrustCmd(),
		peerCmd(),
		anchorCmd(),
		eventCmd(),
		exportCmd(),
		serveCmd(),
		identityCmd(),
		tlsCmd(),
	)

	err := rootCmd.Execute()
	var code exitCode
	switch {
	case err == nil:
	case errors.As(err, &code):
		os.Exit(int(code))
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

// withNode loads configuration, opens the node and runs fn with it.
func withNode(fn func(n *node.Node, logger *zap.Logger) error) error {
	logger := setupLogger(verbose)
	defer logger.Sync()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	n, err := node.New(cfg, node.Options{}, logger)
	if err != nil {
		return fmt.Errorf("failed to open node: %w", err)
	}
	defer n.Close()

	return fn(n, logger)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// finish prints a result and turns its exit code into the command's error.
func finish(result interface{ ExitCode() int }, render func()) error {
	if jsonOutput {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		render()
	}
	if code := result.ExitCode(); code != 0 {
		return exitCode(code)
	}
	return nil
}
