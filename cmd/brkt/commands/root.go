package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fly-io/brkt/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "brkt",
	Short: "Bracket Computing encryption CLI",
	Long: `Creates encrypted machine images from unencrypted guest images, and updates
the encryption agent of images encrypted earlier, on EC2 and Compute Engine.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the running workflow,
// which still removes the resources it created before exiting.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return
	}
	if viper.GetBool("verbose") {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	var encErr *errors.EncryptionError
	if errors.As(err, &encErr) && encErr.ConsoleOutputFile != "" {
		fmt.Fprintf(os.Stderr, "Helper console output saved to %s\n", encErr.ConsoleOutputFile)
	}
	stop()
	os.Exit(1)
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "Print debug logs and full error traces")
	flags.String("region", "us-west-2", "AWS region")
	flags.Int("status-port", 8000, "Port of the encryption agent status service")
	flags.String("instance-type", "m4.large", "Instance type of the guest helper instances")
	flags.String("encryptor-instance-type", "c4.xlarge", "Instance type of the encryptor")
	flags.Duration("progress-timeout", 10*time.Minute, "Give up when encryption makes no progress for this long")
	flags.Duration("agent-up-timeout", 10*time.Minute, "Give up when the agent is not reachable after this long")
	flags.String("console-output-dir", "", "Directory for helper console output saved on failure")
	flags.String("sqlite-path", ".brkt/sessions.db", "Session history database path")
	flags.String("fsm-db-dir", ".brkt/fsm", "FSM state directory")
	flags.String("amis-bucket", "solo-brkt-prod-net", "S3 bucket publishing the encryptor images")
	flags.String("gce-project", "", "Compute Engine project")
	flags.String("gce-zone", "us-central1-a", "Compute Engine zone")

	for _, name := range []string{
		"verbose", "region", "status-port", "instance-type", "encryptor-instance-type",
		"progress-timeout", "agent-up-timeout", "console-output-dir", "sqlite-path",
		"fsm-db-dir", "amis-bucket", "gce-project", "gce-zone",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}
