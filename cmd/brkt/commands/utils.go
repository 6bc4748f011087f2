package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fly-io/brkt/internal/config"
	"github.com/fly-io/brkt/pkg/db"
	"github.com/fly-io/brkt/pkg/errors"
	appfsm "github.com/fly-io/brkt/pkg/fsm"
	"github.com/fly-io/brkt/pkg/gceworkflow"
	"github.com/fly-io/brkt/pkg/userdata"
	"github.com/fly-io/brkt/pkg/workflow"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBDir string) error {
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}
	if fsmDBDir != "" {
		if err := os.MkdirAll(fsmDBDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

// agentFlags are the agent configuration flags shared by every workflow
// command.
type agentFlags struct {
	imageName  string
	ntpServers []string
	brktEnv    string
}

func (f *agentFlags) register(cmd *cobra.Command, nameFlag string) {
	cmd.Flags().StringVar(&f.imageName, nameFlag, "", "Name of the new image (derived from the guest image by default)")
	cmd.Flags().StringSliceVar(&f.ntpServers, "ntp-server", nil, "NTP server for the agent (repeatable)")
	cmd.Flags().StringVar(&f.brktEnv, "brkt-env", "", "Bracket service endpoints as api_host:port,hsmproxy_host:port")
}

func (f *agentFlags) environment() (*userdata.Environment, error) {
	if f.brktEnv == "" {
		return nil, nil
	}
	return userdata.ParseEnvironment(f.brktEnv)
}

func awsOptions(cfg *config.Config, f *agentFlags) (workflow.Options, error) {
	env, err := f.environment()
	if err != nil {
		return workflow.Options{}, err
	}
	return workflow.Options{
		ImageName:             f.imageName,
		InstanceType:          cfg.InstanceType,
		EncryptorInstanceType: cfg.EncryptorInstanceType,
		StatusPort:            cfg.StatusPort,
		NTPServers:            f.ntpServers,
		Environment:           env,
		AgentUpTimeout:        cfg.AgentUpTimeout,
		ProgressTimeout:       cfg.ProgressTimeout,
		InstanceTimeout:       cfg.InstanceTimeout,
		SnapshotTimeout:       cfg.SnapshotTimeout,
		ImageTimeout:          cfg.ImageTimeout,
		CleanupTimeout:        cfg.CleanupTimeout,
		ConsoleOutputDir:      cfg.ConsoleOutputDir,
		Logger:                slog.Default(),
	}, nil
}

func gceOptions(cfg *config.Config, f *agentFlags) (gceworkflow.Options, error) {
	env, err := f.environment()
	if err != nil {
		return gceworkflow.Options{}, err
	}
	return gceworkflow.Options{
		Zone:             cfg.GCEZone,
		ImageName:        f.imageName,
		StatusPort:       cfg.StatusPort,
		NTPServers:       f.ntpServers,
		Environment:      env,
		AgentUpTimeout:   cfg.AgentUpTimeout,
		ProgressTimeout:  cfg.ProgressTimeout,
		InstanceTimeout:  cfg.InstanceTimeout,
		SnapshotTimeout:  cfg.SnapshotTimeout,
		ImageTimeout:     cfg.ImageTimeout,
		CleanupTimeout:   cfg.CleanupTimeout,
		ConsoleOutputDir: cfg.ConsoleOutputDir,
		Logger:           slog.Default(),
	}, nil
}

// runSession runs job as a recorded FSM session and prints the resulting
// image on stdout.
func runSession(ctx context.Context, cfg *config.Config, job appfsm.Job, req *appfsm.SessionRequest) error {
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	// Jobs are held in memory, so the FSM store only lives for this run.
	fsmDir, err := os.MkdirTemp(cfg.FSMDBDir, "run-")
	if err != nil {
		return errors.Wrap(err, "failed to create FSM store")
	}
	defer os.RemoveAll(fsmDir)

	manager, err := fsm.New(fsm.Config{DBPath: fsmDir})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(repo, cfg.FSMMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	rec, err := machine.Execute(ctx, manager, start, job, req)
	if err != nil {
		return err
	}
	slog.Info("session_complete", "session_id", rec.SessionID, "image_id", rec.ImageID, "image_name", rec.ImageName)
	fmt.Println(rec.ImageID)
	return nil
}
