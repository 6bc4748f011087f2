package gceworkflow

import (
	"context"

	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/gce"
	"github.com/fly-io/brkt/pkg/naming"
	"github.com/fly-io/brkt/pkg/userdata"
	"github.com/fly-io/brkt/pkg/workflow"
)

// Encrypt builds an encrypted image from an unencrypted guest image. The
// result is an image of the encryptor boot disk plus a snapshot of the
// encrypted guest disk, both named after the new image.
type Encrypt struct {
	base

	guestImage     string
	encryptorImage string
	imageName      string
	validated      bool

	guestName     string
	encryptorName string
	diskName      string
	guestSizeGB   int64
}

// NewEncrypt returns an Encrypt workflow for one session.
func NewEncrypt(svc gce.Service, guestImage, encryptorImage string, opts Options) *Encrypt {
	e := &Encrypt{
		base:           newBase(svc, encryptorImage, opts),
		guestImage:     guestImage,
		encryptorImage: encryptorImage,
	}
	e.guestName = naming.GCEResourceName("brkt-guest", e.session.ID)
	e.encryptorName = naming.GCEResourceName(e.guestName, "encryptor")
	e.diskName = naming.GCEResourceName("encrypted-image", e.session.ID)
	return e
}

// ImageName returns the name of the new image. It is set by Validate.
func (e *Encrypt) ImageName() string { return e.imageName }

// Validate runs the pre-flight checks. It creates no resources.
func (e *Encrypt) Validate(ctx context.Context) error {
	if _, err := e.svc.GetImage(ctx, e.opts.ImageProject, e.guestImage); err != nil {
		if gce.IsNotFound(err) {
			return errors.Validationf("guest image %s does not exist", e.guestImage)
		}
		return err
	}
	if err := e.validateEncryptorImage(ctx, e.encryptorImage); err != nil {
		return err
	}

	name := e.opts.ImageName
	if name == "" {
		name = naming.GCEImageName(e.guestImage, e.session.ID)
	}
	if err := e.validateImageName(ctx, name); err != nil {
		return err
	}
	if _, err := e.metadata(userdata.ModeCreator); err != nil {
		return err
	}

	e.imageName, e.validated = name, true
	return nil
}

// Run builds the encrypted image and returns its name.
func (e *Encrypt) Run(ctx context.Context) (string, error) {
	if !e.validated {
		if err := e.Validate(ctx); err != nil {
			return "", err
		}
	}

	e.log.Info("encrypt_start", "guest_image", e.guestImage, "encryptor_image", e.encryptorImage, "name", e.imageName)
	if err := e.run(ctx, e.steps(), e.imageName); err != nil {
		return "", err
	}
	e.log.Info("encrypt_complete", "name", e.imageName)
	return e.imageName, nil
}

func (e *Encrypt) steps() []workflow.Step {
	return []workflow.Step{
		{Name: "launch guest", Run: e.launchGuest},
		{Name: "release guest disk", Run: e.releaseGuestDisk},
		{Name: "create encrypted disk", Run: e.createEncryptedDisk},
		{Name: "launch encryptor", Run: e.launchEncryptor},
		{Name: "wait for encryption", Run: e.waitForEncryption},
		{Name: "snapshot encrypted disk", Run: e.snapshotEncryptedDisk},
		{Name: "create image", Run: e.createImage},
		{Name: "wait for image", Run: e.waitForResult},
	}
}

// launchGuest boots the guest once so its boot disk exists as a regular
// disk that outlives the instance.
func (e *Encrypt) launchGuest(ctx context.Context) error {
	err := e.runInstance(ctx, gce.InstanceInput{
		Name:         e.guestName,
		Image:        e.guestImage,
		ImageProject: e.opts.ImageProject,
		DeleteBoot:   false,
	})
	if err != nil {
		return err
	}
	_, err = e.waitForInstance(ctx, e.guestName)
	return err
}

func (e *Encrypt) releaseGuestDisk(ctx context.Context) error {
	if err := e.deleteInstance(ctx, e.guestName); err != nil {
		return err
	}
	disk, err := e.waitForDetach(ctx, e.guestName)
	if err != nil {
		return err
	}
	e.guestSizeGB = disk.SizeGB
	return nil
}

// createEncryptedDisk creates the blank target disk. It holds the encrypted
// copy of the guest next to the agent metadata.
func (e *Encrypt) createEncryptedDisk(ctx context.Context) error {
	size := 2*e.guestSizeGB + 1
	err := e.svc.CreateDisk(ctx, e.opts.Zone, gce.DiskInput{
		Name:   e.diskName,
		SizeGB: size,
		Type:   gce.DiskTypeSSD,
		Labels: e.labels,
	})
	if err != nil {
		return err
	}
	e.log.Info("disk_created", "disk", e.diskName, "size_gb", size)
	return e.waitForDisk(ctx, e.diskName)
}

func (e *Encrypt) launchEncryptor(ctx context.Context) error {
	md, err := e.metadata(userdata.ModeCreator)
	if err != nil {
		return err
	}
	return e.runInstance(ctx, gce.InstanceInput{
		Name:  e.encryptorName,
		Image: e.encryptorImage,
		Disks: []gce.AttachedDisk{
			{Name: e.guestName, AutoDelete: true},
			{Name: e.diskName, AutoDelete: false},
		},
		Metadata:   md,
		DeleteBoot: false,
	})
}

func (e *Encrypt) waitForEncryption(ctx context.Context) error {
	if err := e.waitForAgent(ctx, e.encryptorName); err != nil {
		return err
	}
	return e.deleteInstance(ctx, e.encryptorName)
}

func (e *Encrypt) snapshotEncryptedDisk(ctx context.Context) error {
	if err := e.svc.CreateSnapshot(ctx, e.opts.Zone, e.diskName, e.imageName, e.labels); err != nil {
		return err
	}
	e.log.Info("snapshot_created", "snapshot", e.imageName, "disk", e.diskName)
	return nil
}

func (e *Encrypt) createImage(ctx context.Context) error {
	if _, err := e.waitForDetach(ctx, e.encryptorName); err != nil {
		return err
	}
	if err := e.svc.CreateImageFromDisk(ctx, e.opts.Zone, e.imageName, e.encryptorName, e.labels); err != nil {
		return err
	}
	e.log.Info("image_created", "image", e.imageName, "disk", e.encryptorName)
	return nil
}

func (e *Encrypt) waitForResult(ctx context.Context) error {
	if err := e.waitForImage(ctx, e.imageName); err != nil {
		return err
	}
	return e.waitForSnapshot(ctx, e.imageName)
}
