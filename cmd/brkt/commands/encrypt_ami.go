package commands

import (
	"github.com/fly-io/brkt/pkg/aws"
	"github.com/fly-io/brkt/pkg/db"
	"github.com/fly-io/brkt/pkg/errors"
	appfsm "github.com/fly-io/brkt/pkg/fsm"
	"github.com/fly-io/brkt/pkg/storage"
	"github.com/fly-io/brkt/pkg/validate"
	"github.com/fly-io/brkt/pkg/workflow"
	"github.com/spf13/cobra"
)

var encryptAMIFlags struct {
	agentFlags
	encryptorAMI   string
	subnetID       string
	securityGroups []string
	tags           []string
}

var encryptAMICmd = &cobra.Command{
	Use:   "encrypt-ami <ami-id>",
	Short: "Create an encrypted AMI from an existing AMI",
	Args:  cobra.ExactArgs(1),
	RunE:  runEncryptAMI,
}

func init() {
	rootCmd.AddCommand(encryptAMICmd)
	f := encryptAMICmd.Flags()
	encryptAMIFlags.register(encryptAMICmd, "encrypted-ami-name")
	f.StringVar(&encryptAMIFlags.encryptorAMI, "encryptor-ami", "", "Encryptor AMI (the published one for the region by default)")
	f.StringVar(&encryptAMIFlags.subnetID, "subnet", "", "Launch helper instances in this VPC subnet")
	f.StringSliceVar(&encryptAMIFlags.securityGroups, "security-group", nil, "Use this security group for the encryptor (repeatable)")
	f.StringArrayVar(&encryptAMIFlags.tags, "tag", nil, "Tag the encrypted AMI with KEY=VALUE (repeatable)")
}

func runEncryptAMI(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	guestID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateAWS(); err != nil {
		return err
	}

	encryptorID, err := resolveEncryptorAMI(cmd, cfg.AMIsBucket, cfg.Region, encryptAMIFlags.encryptorAMI)
	if err != nil {
		return err
	}

	opts, err := awsOptions(cfg, &encryptAMIFlags.agentFlags)
	if err != nil {
		return err
	}
	opts.SubnetID = encryptAMIFlags.subnetID
	opts.SecurityGroupIDs = encryptAMIFlags.securityGroups
	if opts.ImageTags, err = validate.Tags(encryptAMIFlags.tags); err != nil {
		return err
	}

	svc, err := aws.NewEC2(ctx, cfg.Region)
	if err != nil {
		return errors.Wrap(err, "EC2 client failed")
	}

	job := workflow.NewEncrypt(svc, guestID, encryptorID, opts)
	return runSession(ctx, cfg, job, &appfsm.SessionRequest{
		Provider:       db.ProviderAWS,
		Workflow:       db.WorkflowEncrypt,
		Location:       cfg.Region,
		GuestImage:     guestID,
		EncryptorImage: encryptorID,
	})
}

// resolveEncryptorAMI returns id, or the encryptor AMI published for
// region when id is empty.
func resolveEncryptorAMI(cmd *cobra.Command, bucket, region, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	client, err := storage.NewClient(cmd.Context(), bucket, region)
	if err != nil {
		return "", errors.Wrap(err, "S3 client failed")
	}
	return client.EncryptorImage(cmd.Context(), region)
}
