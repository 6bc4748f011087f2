package workflow

import (
	"context"
	"fmt"

	"github.com/fly-io/brkt/pkg/aws"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/naming"
	"github.com/fly-io/brkt/pkg/tracker"
	"github.com/fly-io/brkt/pkg/userdata"
	"github.com/fly-io/brkt/pkg/validate"
)

// Device slots used by the update workflow.
const (
	DeviceUpdateAgentRoot = "/dev/sda1"
	DeviceUpdateGuestRoot = "/dev/sdf"
)

const (
	nameGuestCreator = "Bracket guest image creator"
	descGuestCreator = "Used to create an encrypted guest root volume from %s"
	nameUpdater      = "Bracket Updater"
	descUpdater      = "Used to upgrade the encryption agent of %s"
)

// provisioned volume types carry an explicit IOPS setting.
var provisioned = map[string]bool{"io1": true, "io2": true, "gp3": true}

// Update replaces the encryption agent of an already encrypted image with
// the one from a newer encryptor image.
type Update struct {
	base

	guestImageID   string
	updaterImageID string

	guest     *aws.Image
	imageName string

	groupIDs    []string
	newGroup    bool
	guestInst   *aws.Instance
	updaterInst *aws.Instance
	devices     []aws.BlockDevice
	imageID     string
}

// NewUpdate returns an Update workflow for one session.
func NewUpdate(svc aws.Service, guestImageID, updaterImageID string, opts Options) *Update {
	return &Update{
		base:           newBase(svc, updaterImageID, opts),
		guestImageID:   guestImageID,
		updaterImageID: updaterImageID,
	}
}

// ImageName returns the name of the new image. It is set by Validate.
func (u *Update) ImageName() string { return u.imageName }

// Validate runs the pre-flight checks. It creates no resources.
func (u *Update) Validate(ctx context.Context) error {
	v := validate.NewValidator(u.svc, u.log)

	guest, err := v.EncryptedGuestImage(ctx, u.guestImageID)
	if err != nil {
		return err
	}
	if _, err := v.EncryptorImage(ctx, u.updaterImageID); err != nil {
		return err
	}

	name := u.opts.ImageName
	if name == "" {
		name = naming.EncryptedImageName(guest.Name, u.session.ID)
	}
	if err := v.ImageName(ctx, name); err != nil {
		return err
	}

	if err := u.updaterConfig().Validate(); err != nil {
		return err
	}

	u.guest, u.imageName = guest, name
	return nil
}

// updaterConfig is handed to the updater instance.
func (u *Update) updaterConfig() *userdata.InstanceConfig {
	return &userdata.InstanceConfig{
		Mode:        userdata.ModeCreator,
		StatusPort:  u.opts.StatusPort,
		NTPServers:  u.opts.NTPServers,
		Environment: u.opts.Environment,
	}
}

// Run builds the updated image and returns its id.
func (u *Update) Run(ctx context.Context) (string, error) {
	if u.guest == nil {
		if err := u.Validate(ctx); err != nil {
			return "", err
		}
	}

	u.log.Info("update_start", "guest_image_id", u.guestImageID, "updater_image_id", u.updaterImageID, "name", u.imageName)
	err := u.tracker.Scope(ctx, func(ctx context.Context) error {
		if err := u.runSteps(ctx, u.steps()); err != nil {
			return err
		}
		u.keepResult(ctx)
		return nil
	})
	if err != nil {
		return "", err
	}

	u.log.Info("update_complete", "image_id", u.imageID, "name", u.imageName)
	return u.imageID, nil
}

func (u *Update) steps() []Step {
	return []Step{
		{"launch guest", u.launchGuest},
		{"create security group", u.createSecurityGroup},
		{"launch updater", u.launchUpdater},
		{"stop guest", u.stopGuest},
		{"wait for update", u.waitForUpdate},
		{"swap agent root volume", u.swapAgentRoot},
		{"create image", u.createImage},
		{"wait for image", u.waitForNewImage},
	}
}

func (u *Update) keepResult(ctx context.Context) {
	ids := []string{u.imageID}
	if img, err := u.svc.GetImage(ctx, u.imageID); err == nil {
		for _, bd := range img.BlockDevices {
			if bd.SnapshotID != "" {
				ids = append(ids, bd.SnapshotID)
			}
		}
	}
	u.tracker.Keep(ids...)
}

// launchGuest boots the encrypted guest in updater mode, which keeps its
// agent from chaining into the encrypted root.
func (u *Update) launchGuest(ctx context.Context) error {
	cfg := &userdata.InstanceConfig{Mode: userdata.ModeUpdater, StatusPort: u.opts.StatusPort}
	data, err := cfg.JSON()
	if err != nil {
		return err
	}

	u.guestInst, err = u.runInstance(ctx, aws.RunInstanceInput{
		ImageID:      u.guestImageID,
		InstanceType: u.opts.InstanceType,
		SubnetID:     u.opts.SubnetID,
		UserData:     data,
		EbsOptimized: false,
		Tags:         u.session.Tags(nameGuestCreator, fmt.Sprintf(descGuestCreator, u.guestImageID)),
	}, false)
	return err
}

func (u *Update) createSecurityGroup(ctx context.Context) (err error) {
	u.groupIDs, u.newGroup, err = u.securityGroups(ctx)
	return err
}

func (u *Update) launchUpdater(ctx context.Context) error {
	doc, err := u.updaterConfig().UserData()
	if err != nil {
		return err
	}
	compressed, err := userdata.Gzip(doc)
	if err != nil {
		return err
	}

	u.updaterInst, err = u.runInstance(ctx, aws.RunInstanceInput{
		ImageID:          u.updaterImageID,
		InstanceType:     u.opts.EncryptorInstanceType,
		SubnetID:         u.opts.SubnetID,
		SecurityGroupIDs: u.groupIDs,
		AvailabilityZone: u.guestInst.AvailabilityZone,
		UserData:         compressed,
		Tags:             u.session.Tags(nameUpdater, fmt.Sprintf(descUpdater, u.guestImageID)),
	}, u.newGroup)
	return err
}

func (u *Update) stopGuest(ctx context.Context) error {
	if _, err := u.waitForInstance(ctx, u.guestInst.ID, aws.InstanceStateRunning); err != nil {
		return err
	}
	_, err := u.stopAndWait(ctx, u.guestInst.ID)
	return err
}

func (u *Update) waitForUpdate(ctx context.Context) error {
	inst, err := u.waitForInstance(ctx, u.updaterInst.ID, aws.InstanceStateRunning)
	if err != nil {
		return err
	}
	u.updaterInst = inst
	if err := u.waitForAgent(ctx, inst, true); err != nil {
		return err
	}
	_, err = u.stopAndWait(ctx, inst.ID)
	return err
}

// swapAgentRoot moves the agent root volume written by the updater onto
// the stopped guest, replacing the old one.
func (u *Update) swapAgentRoot(ctx context.Context) error {
	guest, err := u.waitForInstance(ctx, u.guestInst.ID, aws.InstanceStateStopped)
	if err != nil {
		return err
	}
	updater, err := u.svc.GetInstance(ctx, u.updaterInst.ID)
	if err != nil {
		return err
	}

	if err := u.preserveDevices(ctx, guest); err != nil {
		return err
	}

	oldRoot, ok := guest.BlockDevices[DeviceUpdateAgentRoot]
	if !ok {
		return errors.Instancef(guest.ID, "guest %s has no volume at %s", guest.ID, DeviceUpdateAgentRoot)
	}
	newRoot, ok := updater.BlockDevices[DeviceUpdateAgentRoot]
	if !ok {
		return errors.Instancef(updater.ID, "updater %s has no volume at %s", updater.ID, DeviceUpdateAgentRoot)
	}

	if err := u.detach(ctx, oldRoot); err != nil {
		return err
	}
	err = u.opts.Retrier.Do(ctx, aws.DefaultRetries, func() error {
		return u.svc.DeleteVolume(ctx, oldRoot)
	}, aws.RetryVolumeInUse)
	if err != nil && !aws.IsNotFound(err) {
		return err
	}
	u.log.Info("old_agent_root_deleted", "volume_id", oldRoot)

	u.tracker.Track(tracker.Volume, newRoot)
	if err := u.detach(ctx, newRoot); err != nil {
		return err
	}
	err = u.opts.Retrier.Do(ctx, aws.DefaultRetries, func() error {
		return u.svc.AttachVolume(ctx, newRoot, guest.ID, DeviceUpdateAgentRoot)
	}, aws.RetryVolumeInUse)
	if err != nil {
		return err
	}
	err = u.waitForVolume(ctx, newRoot, "to be attached to "+guest.ID, func(v *aws.Volume) bool {
		return v.AttachmentState == aws.AttachmentAttached && v.AttachedTo == guest.ID
	})
	if err != nil {
		return err
	}
	u.log.Info("agent_root_swapped", "guest_id", guest.ID, "volume_id", newRoot)
	return nil
}

func (u *Update) detach(ctx context.Context, volID string) error {
	if err := u.svc.DetachVolume(ctx, volID, true); err != nil {
		return err
	}
	return u.waitForVolume(ctx, volID, "to be detached", func(v *aws.Volume) bool {
		return v.State == aws.VolumeStateAvailable
	})
}

// preserveDevices records the volume type and IOPS of every guest device.
// CreateImage falls back to the provider defaults otherwise.
func (u *Update) preserveDevices(ctx context.Context, guest *aws.Instance) error {
	u.devices = u.devices[:0]
	for dev, volID := range guest.BlockDevices {
		if dev == DeviceUpdateAgentRoot {
			u.devices = append(u.devices, aws.BlockDevice{
				DeviceName:          dev,
				VolumeType:          "gp2",
				DeleteOnTermination: true,
			})
			continue
		}

		vol, err := u.svc.GetVolume(ctx, volID)
		if err != nil {
			return err
		}
		bd := aws.BlockDevice{DeviceName: dev, VolumeType: vol.VolumeType, DeleteOnTermination: true}
		if provisioned[vol.VolumeType] {
			bd.Iops = vol.Iops
		}
		u.devices = append(u.devices, bd)
		u.log.Debug("device_preserved", "device", dev, "volume_type", bd.VolumeType, "iops", bd.Iops)
	}
	for _, bd := range u.guest.BlockDevices {
		if bd.VirtualName != "" {
			u.devices = append(u.devices, aws.BlockDevice{DeviceName: bd.DeviceName, VirtualName: bd.VirtualName})
		}
	}
	return nil
}

func (u *Update) createImage(ctx context.Context) error {
	var id string
	err := u.opts.Retrier.Do(ctx, createImageRetries, func() (err error) {
		id, err = u.svc.CreateImage(ctx, aws.CreateImageInput{
			InstanceID:   u.guestInst.ID,
			Name:         u.imageName,
			Description:  u.guest.Description,
			NoReboot:     true,
			BlockDevices: u.devices,
		})
		return err
	}, aws.RetryInvalidParameter)
	if err != nil {
		return err
	}

	u.imageID = id
	u.tracker.Track(tracker.Image, id)
	u.log.Info("image_created", "image_id", id, "name", u.imageName)
	return nil
}

func (u *Update) waitForNewImage(ctx context.Context) error {
	img, err := u.waitForImage(ctx, u.imageID)
	if err != nil {
		return err
	}

	for _, bd := range img.BlockDevices {
		if bd.SnapshotID == "" {
			continue
		}
		var name string
		switch bd.DeviceName {
		case DeviceUpdateAgentRoot:
			name = nameSystemRoot
		case DeviceUpdateGuestRoot, DeviceEncrypted:
			name = nameEncryptedRoot
		}
		if err := u.tagWithRetry(ctx, bd.SnapshotID, u.session.Tags(name, "")); err != nil {
			return err
		}
	}
	return u.tagWithRetry(ctx, u.imageID, u.imageTags())
}
