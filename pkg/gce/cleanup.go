package gce

import (
	"context"
	"log/slog"
	"slices"

	"github.com/fly-io/brkt/pkg/errors"
)

// Cleanup deletes every instance, disk, snapshot and image in zone that
// carries labels, except the names in keep. Instances go first since
// attached disks cannot be deleted. Every resource is attempted; the
// failures are returned together.
func Cleanup(ctx context.Context, svc Service, zone string, labels map[string]string, log *slog.Logger, keep ...string) error {
	if log == nil {
		log = slog.Default()
	}
	log.Info("cleanup_start", "zone", zone, "labels", labels)

	var errs []error
	fail := func(kind, name string, err error) {
		if err == nil || IsNotFound(err) {
			log.Debug("cleanup_deleted", "kind", kind, "name", name)
			return
		}
		log.Warn("cleanup_delete_failed", "kind", kind, "name", name, "error", err)
		errs = append(errs, err)
	}
	kept := func(name string) bool { return slices.Contains(keep, name) }

	instances, err := svc.ListInstances(ctx, zone, labels)
	if err != nil {
		errs = append(errs, err)
	}
	for _, i := range instances {
		if !kept(i.Name) {
			fail("instance", i.Name, svc.DeleteInstance(ctx, zone, i.Name))
		}
	}

	images, err := svc.ListImages(ctx, labels)
	if err != nil {
		errs = append(errs, err)
	}
	for _, i := range images {
		if !kept(i.Name) {
			fail("image", i.Name, svc.DeleteImage(ctx, i.Name))
		}
	}

	disks, err := svc.ListDisks(ctx, zone, labels)
	if err != nil {
		errs = append(errs, err)
	}
	for _, d := range disks {
		if !kept(d.Name) {
			fail("disk", d.Name, svc.DeleteDisk(ctx, zone, d.Name))
		}
	}

	snapshots, err := svc.ListSnapshots(ctx, labels)
	if err != nil {
		errs = append(errs, err)
	}
	for _, s := range snapshots {
		if !kept(s.Name) {
			fail("snapshot", s.Name, svc.DeleteSnapshot(ctx, s.Name))
		}
	}

	log.Info("cleanup_complete", "zone", zone, "failures", len(errs))
	return errors.Join(errs...)
}
