package commands

import (
	"github.com/fly-io/brkt/pkg/db"
	"github.com/fly-io/brkt/pkg/errors"
	appfsm "github.com/fly-io/brkt/pkg/fsm"
	"github.com/fly-io/brkt/pkg/gce"
	"github.com/fly-io/brkt/pkg/gceworkflow"
	"github.com/spf13/cobra"
)

// gceFlags are shared by the Compute Engine commands.
type gceFlags struct {
	agentFlags
	encryptorImage string
	imageProject   string
}

func (f *gceFlags) register(cmd *cobra.Command) {
	f.agentFlags.register(cmd, "image-name")
	cmd.Flags().StringVar(&f.encryptorImage, "encryptor-image", "", "Encryptor image in the project")
	cmd.Flags().StringVar(&f.imageProject, "image-project", "", "Project that owns the guest image (the working project by default)")
	_ = cmd.MarkFlagRequired("encryptor-image")
}

var encryptGCEFlags gceFlags

var encryptGCECmd = &cobra.Command{
	Use:   "encrypt-gce-image <image>",
	Short: "Create an encrypted Compute Engine image",
	Args:  cobra.ExactArgs(1),
	RunE:  runEncryptGCE,
}

func init() {
	rootCmd.AddCommand(encryptGCECmd)
	encryptGCEFlags.register(encryptGCECmd)
}

func runEncryptGCE(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	guest := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateGCE(); err != nil {
		return err
	}

	opts, err := gceOptions(cfg, &encryptGCEFlags.agentFlags)
	if err != nil {
		return err
	}
	opts.ImageProject = encryptGCEFlags.imageProject

	svc, err := gce.NewCompute(ctx, cfg.GCEProject)
	if err != nil {
		return errors.Wrap(err, "Compute Engine client failed")
	}

	job := gceworkflow.NewEncrypt(svc, guest, encryptGCEFlags.encryptorImage, opts)
	return runSession(ctx, cfg, job, &appfsm.SessionRequest{
		Provider:       db.ProviderGCE,
		Workflow:       db.WorkflowEncrypt,
		Location:       cfg.GCEZone,
		GuestImage:     guest,
		EncryptorImage: encryptGCEFlags.encryptorImage,
	})
}
