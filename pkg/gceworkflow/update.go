package gceworkflow

import (
	"context"

	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/gce"
	"github.com/fly-io/brkt/pkg/naming"
	"github.com/fly-io/brkt/pkg/userdata"
	"github.com/fly-io/brkt/pkg/workflow"
)

// Update replaces the encryption agent of an encrypted image. The encrypted
// guest snapshot is carried over unchanged; the updater writes a new agent
// boot disk next to a copy of it.
type Update struct {
	base

	guestImage   string
	updaterImage string
	imageName    string
	validated    bool

	updaterName string
	diskName    string
}

// NewUpdate returns an Update workflow for one session.
func NewUpdate(svc gce.Service, guestImage, updaterImage string, opts Options) *Update {
	u := &Update{
		base:         newBase(svc, updaterImage, opts),
		guestImage:   guestImage,
		updaterImage: updaterImage,
	}
	instance := naming.GCEResourceName("brkt-updater", u.session.ID)
	u.updaterName = naming.GCEResourceName(instance, "metavisor")
	u.diskName = naming.GCEResourceName(instance, "guest")
	return u
}

// ImageName returns the name of the new image. It is set by Validate.
func (u *Update) ImageName() string { return u.imageName }

// Validate runs the pre-flight checks. The guest must be an encrypted image,
// i.e. an image with a snapshot of the same name.
func (u *Update) Validate(ctx context.Context) error {
	if _, err := u.svc.GetImage(ctx, "", u.guestImage); err != nil {
		if gce.IsNotFound(err) {
			return errors.Validationf("guest image %s does not exist", u.guestImage)
		}
		return err
	}
	if _, err := u.svc.GetSnapshot(ctx, u.guestImage); err != nil {
		if gce.IsNotFound(err) {
			return errors.Validationf("%s is not an encrypted image: snapshot %s does not exist", u.guestImage, u.guestImage)
		}
		return err
	}
	if err := u.validateEncryptorImage(ctx, u.updaterImage); err != nil {
		return err
	}

	name := u.opts.ImageName
	if name == "" {
		name = naming.GCEImageName(u.guestImage, u.session.ID)
	}
	if err := u.validateImageName(ctx, name); err != nil {
		return err
	}
	if _, err := u.metadata(userdata.ModeUpdater); err != nil {
		return err
	}

	u.imageName, u.validated = name, true
	return nil
}

// Run builds the updated image and returns its name.
func (u *Update) Run(ctx context.Context) (string, error) {
	if !u.validated {
		if err := u.Validate(ctx); err != nil {
			return "", err
		}
	}

	u.log.Info("update_start", "guest_image", u.guestImage, "updater_image", u.updaterImage, "name", u.imageName)
	if err := u.run(ctx, u.steps(), u.imageName); err != nil {
		return "", err
	}
	u.log.Info("update_complete", "name", u.imageName)
	return u.imageName, nil
}

func (u *Update) steps() []workflow.Step {
	return []workflow.Step{
		{Name: "copy encrypted guest", Run: u.copyGuest},
		{Name: "launch updater", Run: u.launchUpdater},
		{Name: "wait for update", Run: u.waitForUpdate},
		{Name: "create image", Run: u.createImage},
		{Name: "wait for image", Run: u.waitForResult},
	}
}

// copyGuest restores the encrypted guest snapshot to a disk and snapshots
// it again under the new image name.
func (u *Update) copyGuest(ctx context.Context) error {
	err := u.svc.CreateDisk(ctx, u.opts.Zone, gce.DiskInput{
		Name:           u.diskName,
		SourceSnapshot: u.guestImage,
		Type:           gce.DiskTypeSSD,
		Labels:         u.labels,
	})
	if err != nil {
		return err
	}
	if err := u.waitForDisk(ctx, u.diskName); err != nil {
		return err
	}
	if err := u.svc.CreateSnapshot(ctx, u.opts.Zone, u.diskName, u.imageName, u.labels); err != nil {
		return err
	}
	u.log.Info("snapshot_created", "snapshot", u.imageName, "disk", u.diskName)
	return nil
}

func (u *Update) launchUpdater(ctx context.Context) error {
	md, err := u.metadata(userdata.ModeUpdater)
	if err != nil {
		return err
	}
	return u.runInstance(ctx, gce.InstanceInput{
		Name:       u.updaterName,
		Image:      u.updaterImage,
		Disks:      []gce.AttachedDisk{{Name: u.diskName, AutoDelete: true}},
		Metadata:   md,
		DeleteBoot: false,
	})
}

func (u *Update) waitForUpdate(ctx context.Context) error {
	if err := u.waitForAgent(ctx, u.updaterName); err != nil {
		return err
	}
	if err := u.deleteInstance(ctx, u.updaterName); err != nil {
		return err
	}
	_, err := u.waitForDetach(ctx, u.updaterName)
	return err
}

func (u *Update) createImage(ctx context.Context) error {
	if err := u.svc.CreateImageFromDisk(ctx, u.opts.Zone, u.imageName, u.updaterName, u.labels); err != nil {
		return err
	}
	u.log.Info("image_created", "image", u.imageName, "disk", u.updaterName)
	return nil
}

func (u *Update) waitForResult(ctx context.Context) error {
	if err := u.waitForImage(ctx, u.imageName); err != nil {
		return err
	}
	return u.waitForSnapshot(ctx, u.imageName)
}
