package gce

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/fly-io/brkt/pkg/errors"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
)

const resourceRoot = "https://www.googleapis.com/compute/v1/"

var instanceScopes = []string{
	"https://www.googleapis.com/auth/devstorage.read_write",
	"https://www.googleapis.com/auth/logging.write",
}

// Compute implements Service on the Compute Engine v1 API.
type Compute struct {
	svc     *compute.Service
	project string
}

var _ Service = (*Compute)(nil)

// NewCompute creates a client with the application default credentials.
func NewCompute(ctx context.Context, project string, opts ...option.ClientOption) (*Compute, error) {
	opts = append([]option.ClientOption{option.WithScopes(compute.ComputeScope)}, opts...)
	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create compute client")
	}
	return &Compute{svc: svc, project: project}, nil
}

func (c *Compute) Project() string { return c.project }

func (c *Compute) zoneURL(zone string) string {
	return fmt.Sprintf("projects/%s/zones/%s", c.project, zone)
}

func labelFilter(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	exprs := make([]string, 0, len(keys))
	for _, k := range keys {
		exprs = append(exprs, fmt.Sprintf("labels.%s = %q", k, labels[k]))
	}
	return strings.Join(exprs, " AND ")
}

func operationError(op *compute.Operation) error {
	if op.Error == nil || len(op.Error.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(op.Error.Errors))
	for _, e := range op.Error.Errors {
		msgs = append(msgs, e.Code+": "+e.Message)
	}
	return errors.Errorf("operation %s failed: %s", op.Name, strings.Join(msgs, "; "))
}

func (c *Compute) waitZone(ctx context.Context, zone string, op *compute.Operation, err error) error {
	for err == nil && op.Status != "DONE" {
		op, err = c.svc.ZoneOperations.Wait(c.project, zone, op.Name).Context(ctx).Do()
	}
	if err != nil {
		return err
	}
	return operationError(op)
}

func (c *Compute) waitGlobal(ctx context.Context, op *compute.Operation, err error) error {
	for err == nil && op.Status != "DONE" {
		op, err = c.svc.GlobalOperations.Wait(c.project, op.Name).Context(ctx).Do()
	}
	if err != nil {
		return err
	}
	return operationError(op)
}

func fromInstance(i *compute.Instance) *Instance {
	inst := &Instance{Name: i.Name, Status: i.Status, Labels: i.Labels}
	if len(i.NetworkInterfaces) > 0 {
		nic := i.NetworkInterfaces[0]
		inst.InternalIP = nic.NetworkIP
		if len(nic.AccessConfigs) > 0 {
			inst.NATIP = nic.AccessConfigs[0].NatIP
		}
	}
	for _, d := range i.Disks {
		inst.Disks = append(inst.Disks, path.Base(d.Source))
	}
	return inst
}

func fromDisk(d *compute.Disk) *Disk {
	disk := &Disk{Name: d.Name, Status: d.Status, SizeGB: d.SizeGb, Labels: d.Labels}
	for _, u := range d.Users {
		disk.Users = append(disk.Users, path.Base(u))
	}
	return disk
}

func (c *Compute) RunInstance(ctx context.Context, zone string, in InstanceInput) error {
	imageProject := in.ImageProject
	if imageProject == "" {
		imageProject = c.project
	}
	machineType := in.MachineType
	if machineType == "" {
		machineType = DefaultMachineType
	}

	disks := []*compute.AttachedDisk{{
		Boot:       true,
		AutoDelete: in.DeleteBoot,
		InitializeParams: &compute.AttachedDiskInitializeParams{
			SourceImage: fmt.Sprintf("%sprojects/%s/global/images/%s", resourceRoot, imageProject, in.Image),
		},
	}}
	for _, d := range in.Disks {
		disks = append(disks, &compute.AttachedDisk{
			AutoDelete: d.AutoDelete,
			Source:     resourceRoot + c.zoneURL(zone) + "/disks/" + d.Name,
		})
	}

	metadata := &compute.Metadata{}
	for _, item := range in.Metadata {
		value := item.Value
		metadata.Items = append(metadata.Items, &compute.MetadataItems{Key: item.Key, Value: &value})
	}

	op, err := c.svc.Instances.Insert(c.project, zone, &compute.Instance{
		Name:        in.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", zone, machineType),
		Disks:       disks,
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network:       "global/networks/default",
			AccessConfigs: []*compute.AccessConfig{{Type: "ONE_TO_ONE_NAT", Name: "External NAT"}},
		}},
		ServiceAccounts: []*compute.ServiceAccount{{Email: "default", Scopes: instanceScopes}},
		Metadata:        metadata,
		Labels:          in.Labels,
	}).Context(ctx).Do()
	return errors.Wrapf(c.waitZone(ctx, zone, op, err), "failed to run instance %s", in.Name)
}

func (c *Compute) GetInstance(ctx context.Context, zone, name string) (*Instance, error) {
	i, err := c.svc.Instances.Get(c.project, zone, name).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get instance %s", name)
	}
	return fromInstance(i), nil
}

func (c *Compute) DeleteInstance(ctx context.Context, zone, name string) error {
	op, err := c.svc.Instances.Delete(c.project, zone, name).Context(ctx).Do()
	return errors.Wrapf(c.waitZone(ctx, zone, op, err), "failed to delete instance %s", name)
}

func (c *Compute) ListInstances(ctx context.Context, zone string, labels map[string]string) ([]*Instance, error) {
	var out []*Instance
	err := c.svc.Instances.List(c.project, zone).Filter(labelFilter(labels)).Pages(ctx, func(l *compute.InstanceList) error {
		for _, i := range l.Items {
			out = append(out, fromInstance(i))
		}
		return nil
	})
	return out, errors.Wrap(err, "failed to list instances")
}

func (c *Compute) GetSerialPortOutput(ctx context.Context, zone, name string) (string, error) {
	out, err := c.svc.Instances.GetSerialPortOutput(c.project, zone, name).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrapf(err, "failed to get serial port output of %s", name)
	}
	return out.Contents, nil
}

func (c *Compute) CreateDisk(ctx context.Context, zone string, in DiskInput) error {
	diskType := in.Type
	if diskType == "" {
		diskType = DiskTypeSSD
	}
	disk := &compute.Disk{
		Name:   in.Name,
		SizeGb: in.SizeGB,
		Type:   c.zoneURL(zone) + "/diskTypes/" + diskType,
		Labels: in.Labels,
	}
	if in.SourceSnapshot != "" {
		disk.SourceSnapshot = fmt.Sprintf("projects/%s/global/snapshots/%s", c.project, in.SourceSnapshot)
	}
	op, err := c.svc.Disks.Insert(c.project, zone, disk).Context(ctx).Do()
	return errors.Wrapf(c.waitZone(ctx, zone, op, err), "failed to create disk %s", in.Name)
}

func (c *Compute) GetDisk(ctx context.Context, zone, name string) (*Disk, error) {
	d, err := c.svc.Disks.Get(c.project, zone, name).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get disk %s", name)
	}
	return fromDisk(d), nil
}

func (c *Compute) DeleteDisk(ctx context.Context, zone, name string) error {
	op, err := c.svc.Disks.Delete(c.project, zone, name).Context(ctx).Do()
	return errors.Wrapf(c.waitZone(ctx, zone, op, err), "failed to delete disk %s", name)
}

func (c *Compute) ListDisks(ctx context.Context, zone string, labels map[string]string) ([]*Disk, error) {
	var out []*Disk
	err := c.svc.Disks.List(c.project, zone).Filter(labelFilter(labels)).Pages(ctx, func(l *compute.DiskList) error {
		for _, d := range l.Items {
			out = append(out, fromDisk(d))
		}
		return nil
	})
	return out, errors.Wrap(err, "failed to list disks")
}

func (c *Compute) CreateSnapshot(ctx context.Context, zone, disk, name string, labels map[string]string) error {
	op, err := c.svc.Disks.CreateSnapshot(c.project, zone, disk, &compute.Snapshot{
		Name:   name,
		Labels: labels,
	}).Context(ctx).Do()
	return errors.Wrapf(c.waitZone(ctx, zone, op, err), "failed to snapshot disk %s", disk)
}

func (c *Compute) GetSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	s, err := c.svc.Snapshots.Get(c.project, name).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get snapshot %s", name)
	}
	return &Snapshot{Name: s.Name, Status: s.Status, DiskSizeGB: s.DiskSizeGb, Labels: s.Labels}, nil
}

func (c *Compute) DeleteSnapshot(ctx context.Context, name string) error {
	op, err := c.svc.Snapshots.Delete(c.project, name).Context(ctx).Do()
	return errors.Wrapf(c.waitGlobal(ctx, op, err), "failed to delete snapshot %s", name)
}

func (c *Compute) ListSnapshots(ctx context.Context, labels map[string]string) ([]*Snapshot, error) {
	var out []*Snapshot
	err := c.svc.Snapshots.List(c.project).Filter(labelFilter(labels)).Pages(ctx, func(l *compute.SnapshotList) error {
		for _, s := range l.Items {
			out = append(out, &Snapshot{Name: s.Name, Status: s.Status, DiskSizeGB: s.DiskSizeGb, Labels: s.Labels})
		}
		return nil
	})
	return out, errors.Wrap(err, "failed to list snapshots")
}

func (c *Compute) CreateImageFromDisk(ctx context.Context, zone, name, disk string, labels map[string]string) error {
	op, err := c.svc.Images.Insert(c.project, &compute.Image{
		Name:       name,
		SourceDisk: c.zoneURL(zone) + "/disks/" + disk,
		Labels:     labels,
	}).Context(ctx).Do()
	return errors.Wrapf(c.waitGlobal(ctx, op, err), "failed to create image %s", name)
}

func (c *Compute) GetImage(ctx context.Context, project, name string) (*Image, error) {
	if project == "" {
		project = c.project
	}
	i, err := c.svc.Images.Get(project, name).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get image %s", name)
	}
	return &Image{Name: i.Name, Status: i.Status, DiskSizeGB: i.DiskSizeGb, Labels: i.Labels}, nil
}

func (c *Compute) DeleteImage(ctx context.Context, name string) error {
	op, err := c.svc.Images.Delete(c.project, name).Context(ctx).Do()
	return errors.Wrapf(c.waitGlobal(ctx, op, err), "failed to delete image %s", name)
}

func (c *Compute) ListImages(ctx context.Context, labels map[string]string) ([]*Image, error) {
	var out []*Image
	err := c.svc.Images.List(c.project).Filter(labelFilter(labels)).Pages(ctx, func(l *compute.ImageList) error {
		for _, i := range l.Items {
			out = append(out, &Image{Name: i.Name, Status: i.Status, DiskSizeGB: i.DiskSizeGb, Labels: i.Labels})
		}
		return nil
	})
	return out, errors.Wrap(err, "failed to list images")
}
