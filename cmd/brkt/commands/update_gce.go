package commands

import (
	"github.com/fly-io/brkt/pkg/db"
	"github.com/fly-io/brkt/pkg/errors"
	appfsm "github.com/fly-io/brkt/pkg/fsm"
	"github.com/fly-io/brkt/pkg/gce"
	"github.com/fly-io/brkt/pkg/gceworkflow"
	"github.com/spf13/cobra"
)

var updateGCEFlags gceFlags

var updateGCECmd = &cobra.Command{
	Use:   "update-gce-image <image>",
	Short: "Update the encryption agent of an encrypted Compute Engine image",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdateGCE,
}

func init() {
	rootCmd.AddCommand(updateGCECmd)
	updateGCEFlags.register(updateGCECmd)
}

func runUpdateGCE(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	guest := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateGCE(); err != nil {
		return err
	}

	opts, err := gceOptions(cfg, &updateGCEFlags.agentFlags)
	if err != nil {
		return err
	}
	opts.ImageProject = updateGCEFlags.imageProject

	svc, err := gce.NewCompute(ctx, cfg.GCEProject)
	if err != nil {
		return errors.Wrap(err, "Compute Engine client failed")
	}

	job := gceworkflow.NewUpdate(svc, guest, updateGCEFlags.encryptorImage, opts)
	return runSession(ctx, cfg, job, &appfsm.SessionRequest{
		Provider:       db.ProviderGCE,
		Workflow:       db.WorkflowUpdate,
		Location:       cfg.GCEZone,
		GuestImage:     guest,
		EncryptorImage: updateGCEFlags.encryptorImage,
	})
}
