package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/fly-io/brkt/pkg/aws"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/naming"
	"github.com/fly-io/brkt/pkg/tracker"
	"github.com/fly-io/brkt/pkg/userdata"
	"github.com/fly-io/brkt/pkg/validate"
)

// Device slots of the encryptor instance and of the images it produces.
const (
	DeviceGrub      = "/dev/sda1"
	DeviceAgentRoot = "/dev/sda2"
	DeviceLog       = "/dev/sda3"
	DeviceGuest     = "/dev/sda4"
	DeviceEncrypted = "/dev/sda5"
)

// Resource names
const (
	nameSnapshotter       = "Bracket root snapshot creator"
	descSnapshotter       = "Used for creating a snapshot of the root volume from %s"
	nameEncryptor         = "Bracket volume encryptor"
	descEncryptor         = "Copies the root snapshot from %s to a new encrypted volume"
	nameOriginalSnapshot  = "Bracket encryptor original volume"
	descOriginalSnapshot  = "Original unencrypted root volume from %s"
	nameEncryptedRoot     = "Bracket encrypted root volume"
	nameSystemRoot        = "Bracket system root"
	nameSystemGrub        = "Bracket system GRUB"
	nameSystemLog         = "Bracket system log"
	descEncryptedSnapshot = "Based on %s"
)

// resultDevices are snapshotted after encryption, in this order.
var resultDevices = []string{DeviceEncrypted, DeviceAgentRoot, DeviceGrub, DeviceLog}

var deviceRole = map[string]string{
	DeviceEncrypted: nameEncryptedRoot,
	DeviceAgentRoot: nameSystemRoot,
	DeviceGrub:      nameSystemGrub,
	DeviceLog:       nameSystemLog,
	DeviceGuest:     nameOriginalSnapshot,
}

// Encrypt turns an unencrypted guest image into an encrypted one.
type Encrypt struct {
	base

	guestImageID     string
	encryptorImageID string

	guest     *aws.Image
	encryptor *aws.Image
	imageName string

	guestRoot       aws.BlockDevice
	guestSnapshotID string
	groupIDs        []string
	newGroup        bool
	encryptorInst   *aws.Instance
	resultSnapshots map[string]string
	imageID         string
}

// NewEncrypt returns an Encrypt workflow for one session.
func NewEncrypt(svc aws.Service, guestImageID, encryptorImageID string, opts Options) *Encrypt {
	return &Encrypt{
		base:             newBase(svc, encryptorImageID, opts),
		guestImageID:     guestImageID,
		encryptorImageID: encryptorImageID,
		resultSnapshots:  map[string]string{},
	}
}

// ImageName returns the name the new image will be registered with. It is
// set by Validate.
func (e *Encrypt) ImageName() string { return e.imageName }

// Validate runs the pre-flight checks. It creates no resources.
func (e *Encrypt) Validate(ctx context.Context) error {
	v := validate.NewValidator(e.svc, e.log)

	guest, err := v.GuestImage(ctx, e.guestImageID)
	if err != nil {
		return err
	}
	encryptor, err := v.EncryptorImage(ctx, e.encryptorImageID)
	if err != nil {
		return err
	}

	name := e.opts.ImageName
	if name == "" {
		name = naming.EncryptedImageName(guest.Name, e.session.ID)
	}
	if err := v.ImageName(ctx, name); err != nil {
		return err
	}

	cfg := e.agentConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.guest, e.encryptor, e.imageName = guest, encryptor, name
	return nil
}

func (e *Encrypt) agentConfig() *userdata.InstanceConfig {
	return &userdata.InstanceConfig{
		Mode:        userdata.ModeCreator,
		StatusPort:  e.opts.StatusPort,
		NTPServers:  e.opts.NTPServers,
		Environment: e.opts.Environment,
	}
}

// Run encrypts the guest image and returns the id of the new image. All
// session resources except the new image and its snapshots are removed
// before Run returns.
func (e *Encrypt) Run(ctx context.Context) (string, error) {
	if e.guest == nil {
		if err := e.Validate(ctx); err != nil {
			return "", err
		}
	}

	e.log.Info("encrypt_start", "guest_image_id", e.guestImageID, "encryptor_image_id", e.encryptorImageID, "name", e.imageName)
	err := e.tracker.Scope(ctx, func(ctx context.Context) error {
		if err := e.runSteps(ctx, e.steps()); err != nil {
			return err
		}
		e.keepResult()
		return nil
	})
	if err != nil {
		return "", err
	}

	e.log.Info("encrypt_complete", "image_id", e.imageID, "name", e.imageName)
	return e.imageID, nil
}

func (e *Encrypt) steps() []Step {
	return []Step{
		{"snapshot guest root volume", e.snapshotGuestRoot},
		{"create security group", e.createSecurityGroup},
		{"launch encryptor", e.launchEncryptor},
		{"wait for encryption", e.waitForEncryption},
		{"snapshot encrypted volumes", e.snapshotResult},
		{"register image", e.registerImage},
		{"wait for image", e.waitForNewImage},
	}
}

func (e *Encrypt) keepResult() {
	ids := []string{e.imageID}
	for _, id := range e.resultSnapshots {
		ids = append(ids, id)
	}
	e.tracker.Keep(ids...)
}

// snapshotGuestRoot boots the guest once so its root volume exists, stops
// it and snapshots the root volume.
func (e *Encrypt) snapshotGuestRoot(ctx context.Context) error {
	inst, err := e.runInstance(ctx, aws.RunInstanceInput{
		ImageID:      e.guestImageID,
		InstanceType: e.opts.InstanceType,
		SubnetID:     e.opts.SubnetID,
		Tags:         e.session.Tags(nameSnapshotter, fmt.Sprintf(descSnapshotter, e.guestImageID)),
	}, false)
	if err != nil {
		return err
	}
	if _, err := e.waitForInstance(ctx, inst.ID, aws.InstanceStateRunning); err != nil {
		return err
	}
	if inst, err = e.stopAndWait(ctx, inst.ID); err != nil {
		return err
	}

	volID, err := rootVolume(inst)
	if err != nil {
		return err
	}
	vol, err := e.svc.GetVolume(ctx, volID)
	if err != nil {
		return err
	}
	e.guestRoot = aws.BlockDevice{
		DeviceName: inst.RootDeviceName,
		Size:       vol.Size,
		VolumeType: vol.VolumeType,
		Iops:       vol.Iops,
	}
	e.log.Info("guest_root_volume", "volume_id", volID, "size", vol.Size, "volume_type", vol.VolumeType, "iops", vol.Iops)

	desc := fmt.Sprintf(descOriginalSnapshot, e.guestImageID)
	if err := e.tagWithRetry(ctx, volID, e.session.Tags(desc, "")); err != nil {
		return err
	}
	snap, err := e.svc.CreateSnapshot(ctx, volID, desc, e.session.Tags(nameOriginalSnapshot, desc))
	if err != nil {
		return err
	}
	e.tracker.Track(tracker.Snapshot, snap.ID)
	e.guestSnapshotID = snap.ID

	if err := e.waitForSnapshots(ctx, snap.ID); err != nil {
		return err
	}
	return e.terminateAndWait(ctx, inst.ID)
}

// rootVolume returns the volume attached at the root device. Some images
// report the root as a partition of the attached device.
func rootVolume(inst *aws.Instance) (string, error) {
	if id, ok := inst.BlockDevices[inst.RootDeviceName]; ok {
		return id, nil
	}
	dev := strings.TrimRight(inst.RootDeviceName, "0123456789")
	if id, ok := inst.BlockDevices[dev]; ok {
		return id, nil
	}
	return "", errors.Instancef(inst.ID, "root device %s of %s has no volume", inst.RootDeviceName, inst.ID)
}

func (e *Encrypt) createSecurityGroup(ctx context.Context) (err error) {
	e.groupIDs, e.newGroup, err = e.securityGroups(ctx)
	return err
}

func (e *Encrypt) launchEncryptor(ctx context.Context) error {
	doc, err := e.agentConfig().UserData()
	if err != nil {
		return err
	}
	compressed, err := userdata.Gzip(doc)
	if err != nil {
		return err
	}

	inst, err := e.runInstance(ctx, aws.RunInstanceInput{
		ImageID:          e.encryptorImageID,
		InstanceType:     e.opts.EncryptorInstanceType,
		SubnetID:         e.opts.SubnetID,
		SecurityGroupIDs: e.groupIDs,
		UserData:         compressed,
		BlockDevices: []aws.BlockDevice{
			{
				DeviceName:          DeviceGuest,
				SnapshotID:          e.guestSnapshotID,
				VolumeType:          "gp2",
				DeleteOnTermination: true,
			},
			{
				DeviceName:          DeviceEncrypted,
				Size:                2*e.guestRoot.Size + 1,
				VolumeType:          "gp2",
				DeleteOnTermination: true,
			},
		},
		Tags: e.session.Tags(nameEncryptor, fmt.Sprintf(descEncryptor, e.guestImageID)),
	}, e.newGroup)
	if err != nil {
		return err
	}

	if e.encryptorInst, err = e.waitForInstance(ctx, inst.ID, aws.InstanceStateRunning); err != nil {
		return err
	}

	for dev, volID := range e.encryptorInst.BlockDevices {
		role, ok := deviceRole[dev]
		if !ok {
			continue
		}
		if err := e.tagWithRetry(ctx, volID, e.session.Tags(role, "")); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encrypt) waitForEncryption(ctx context.Context) error {
	return e.waitForAgent(ctx, e.encryptorInst, false)
}

func (e *Encrypt) snapshotResult(ctx context.Context) error {
	inst, err := e.stopAndWait(ctx, e.encryptorInst.ID)
	if err != nil {
		return err
	}

	desc := fmt.Sprintf(descEncryptedSnapshot, e.guestImageID)
	ids := make([]string, 0, len(resultDevices))
	for _, dev := range resultDevices {
		volID, ok := inst.BlockDevices[dev]
		if !ok {
			return errors.Instancef(inst.ID, "encryptor %s has no volume at %s", inst.ID, dev)
		}
		snap, err := e.svc.CreateSnapshot(ctx, volID, desc, e.session.Tags(deviceRole[dev], desc))
		if err != nil {
			return err
		}
		e.tracker.Track(tracker.Snapshot, snap.ID)
		e.resultSnapshots[dev] = snap.ID
		ids = append(ids, snap.ID)
		e.log.Info("snapshot_created", "snapshot_id", snap.ID, "device", dev, "volume_id", volID)
	}

	if err := e.waitForSnapshots(ctx, ids...); err != nil {
		return err
	}
	return e.terminateAndWait(ctx, inst.ID)
}

func (e *Encrypt) imageDevices() []aws.BlockDevice {
	dev := func(name string) aws.BlockDevice {
		return aws.BlockDevice{
			DeviceName:          name,
			SnapshotID:          e.resultSnapshots[name],
			VolumeType:          "gp2",
			DeleteOnTermination: true,
		}
	}

	guest := dev(DeviceEncrypted)
	guest.VolumeType = e.guestRoot.VolumeType
	if guest.VolumeType == "" {
		guest.VolumeType = "standard"
	}
	guest.Iops = e.guestRoot.Iops

	devices := []aws.BlockDevice{dev(DeviceGrub), dev(DeviceAgentRoot), dev(DeviceLog), guest}
	for _, bd := range e.guest.BlockDevices {
		if bd.VirtualName != "" {
			devices = append(devices, aws.BlockDevice{DeviceName: bd.DeviceName, VirtualName: bd.VirtualName})
		}
	}
	return devices
}

func (e *Encrypt) registerImage(ctx context.Context) error {
	id, err := e.svc.RegisterImage(ctx, aws.RegisterImageInput{
		Name:               e.imageName,
		Description:        naming.Description(e.guest.Description, e.guestImageID),
		Architecture:       "x86_64",
		KernelID:           e.encryptor.KernelID,
		RootDeviceName:     DeviceGrub,
		VirtualizationType: "paravirtual",
		BlockDevices:       e.imageDevices(),
	})
	if err != nil {
		recovered, ok := aws.RecoverImageID(err)
		if !ok {
			return err
		}
		e.log.Warn("register_image_not_found", "image_id", recovered, "error", err)
		id = recovered
	}

	e.imageID = id
	e.tracker.Track(tracker.Image, id)
	e.log.Info("image_registered", "image_id", id, "name", e.imageName)
	return nil
}

func (e *Encrypt) waitForNewImage(ctx context.Context) error {
	img, err := e.waitForImage(ctx, e.imageID)
	if err != nil {
		return err
	}
	if err := e.tagWithRetry(ctx, e.imageID, e.imageTags()); err != nil {
		return err
	}

	desc := fmt.Sprintf(descEncryptedSnapshot, e.guestImageID)
	for _, bd := range img.BlockDevices {
		role, ok := deviceRole[bd.DeviceName]
		if !ok || bd.SnapshotID == "" {
			continue
		}
		if err := e.tagWithRetry(ctx, bd.SnapshotID, e.session.Tags(role, desc)); err != nil {
			return err
		}
	}
	return nil
}
