package commands

import (
	"github.com/fly-io/brkt/pkg/aws"
	"github.com/fly-io/brkt/pkg/db"
	"github.com/fly-io/brkt/pkg/errors"
	appfsm "github.com/fly-io/brkt/pkg/fsm"
	"github.com/fly-io/brkt/pkg/validate"
	"github.com/fly-io/brkt/pkg/workflow"
	"github.com/spf13/cobra"
)

var updateAMIFlags struct {
	agentFlags
	updaterAMI     string
	subnetID       string
	securityGroups []string
	tags           []string
}

var updateAMICmd = &cobra.Command{
	Use:   "update-encrypted-ami <ami-id>",
	Short: "Update the encryption agent of an encrypted AMI",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdateAMI,
}

func init() {
	rootCmd.AddCommand(updateAMICmd)
	f := updateAMICmd.Flags()
	updateAMIFlags.register(updateAMICmd, "encrypted-ami-name")
	f.StringVar(&updateAMIFlags.updaterAMI, "updater-ami", "", "Encryptor AMI to take the new agent from (the published one for the region by default)")
	f.StringVar(&updateAMIFlags.subnetID, "subnet", "", "Launch helper instances in this VPC subnet")
	f.StringSliceVar(&updateAMIFlags.securityGroups, "security-group", nil, "Use this security group for the updater (repeatable)")
	f.StringArrayVar(&updateAMIFlags.tags, "tag", nil, "Tag the updated AMI with KEY=VALUE (repeatable)")
}

func runUpdateAMI(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	guestID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateAWS(); err != nil {
		return err
	}

	updaterID, err := resolveEncryptorAMI(cmd, cfg.AMIsBucket, cfg.Region, updateAMIFlags.updaterAMI)
	if err != nil {
		return err
	}

	opts, err := awsOptions(cfg, &updateAMIFlags.agentFlags)
	if err != nil {
		return err
	}
	opts.SubnetID = updateAMIFlags.subnetID
	opts.SecurityGroupIDs = updateAMIFlags.securityGroups
	if opts.ImageTags, err = validate.Tags(updateAMIFlags.tags); err != nil {
		return err
	}

	svc, err := aws.NewEC2(ctx, cfg.Region)
	if err != nil {
		return errors.Wrap(err, "EC2 client failed")
	}

	job := workflow.NewUpdate(svc, guestID, updaterID, opts)
	return runSession(ctx, cfg, job, &appfsm.SessionRequest{
		Provider:       db.ProviderAWS,
		Workflow:       db.WorkflowUpdate,
		Location:       cfg.Region,
		GuestImage:     guestID,
		EncryptorImage: updaterID,
	})
}
