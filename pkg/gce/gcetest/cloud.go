// Package gcetest provides an in-memory Compute Engine for workflow tests.
// Instances boot, and disks, snapshots and images become ready, on the next
// read after creation.
package gcetest

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sort"
	"sync"

	"github.com/fly-io/brkt/pkg/gce"
	"google.golang.org/api/googleapi"
)

// Cloud is a fake gce.Service.
type Cloud struct {
	mu sync.Mutex

	Instances map[string]*gce.Instance
	Disks     map[string]*gce.Disk
	Snapshots map[string]*gce.Snapshot
	Images    map[string]*gce.Image
	// Metadata records the metadata each instance was launched with.
	Metadata map[string]map[string]string

	// SerialPortOutput is returned for every instance.
	SerialPortOutput string
	// FailSnapshots names snapshots that end up FAILED.
	FailSnapshots map[string]bool

	project    string
	calls      []string
	faults     map[string][]error
	autoDelete map[string]bool
}

var _ gce.Service = (*Cloud)(nil)

// New returns an empty cloud for project.
func New(project string) *Cloud {
	return &Cloud{
		Instances:     map[string]*gce.Instance{},
		Disks:         map[string]*gce.Disk{},
		Snapshots:     map[string]*gce.Snapshot{},
		Images:        map[string]*gce.Image{},
		Metadata:      map[string]map[string]string{},
		FailSnapshots: map[string]bool{},
		project:       project,
		faults:        map[string][]error{},
		autoDelete:    map[string]bool{},
	}
}

// APIError returns a provider error with the given HTTP status.
func APIError(code int, format string, args ...any) error {
	return &googleapi.Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func conflict(kind, name string) error {
	return APIError(http.StatusConflict, "The resource '%s/%s' already exists", kind, name)
}

// Fail queues errors returned by the next calls to method, in order.
func (c *Cloud) Fail(method string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[method] = append(c.faults[method], errs...)
}

// Calls returns the method names called so far, in order.
func (c *Cloud) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

// CallCount returns how often method was called.
func (c *Cloud) CallCount(method string) int {
	n := 0
	for _, m := range c.Calls() {
		if m == method {
			n++
		}
	}
	return n
}

func (c *Cloud) enter(method string) error {
	c.calls = append(c.calls, method)
	if q := c.faults[method]; len(q) > 0 {
		c.faults[method] = q[1:]
		return q[0]
	}
	return nil
}

// AddImage seeds a ready image.
func (c *Cloud) AddImage(name string, sizeGB int64, labels map[string]string) *gce.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	img := &gce.Image{Name: name, Status: gce.StatusReady, DiskSizeGB: sizeGB, Labels: maps.Clone(labels)}
	c.Images[name] = img
	return img
}

// Live returns the names of all resources that carry labels.
func (c *Cloud) Live(labels map[string]string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var names []string
	for n, i := range c.Instances {
		if matches(i.Labels, labels) {
			names = append(names, "instance/"+n)
		}
	}
	for n, d := range c.Disks {
		if matches(d.Labels, labels) {
			names = append(names, "disk/"+n)
		}
	}
	for n, s := range c.Snapshots {
		if matches(s.Labels, labels) {
			names = append(names, "snapshot/"+n)
		}
	}
	for n, i := range c.Images {
		if matches(i.Labels, labels) {
			names = append(names, "image/"+n)
		}
	}
	sort.Strings(names)
	return names
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (c *Cloud) Project() string { return c.project }

func (c *Cloud) RunInstance(ctx context.Context, zone string, in gce.InstanceInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("RunInstance"); err != nil {
		return err
	}

	img, ok := c.Images[in.Image]
	if !ok {
		return gce.NotFound("images", in.Image)
	}
	if _, ok := c.Instances[in.Name]; ok {
		return conflict("instances", in.Name)
	}
	if _, ok := c.Disks[in.Name]; ok {
		return conflict("disks", in.Name)
	}
	for _, d := range in.Disks {
		disk, ok := c.Disks[d.Name]
		if !ok {
			return gce.NotFound("disks", d.Name)
		}
		if len(disk.Users) > 0 {
			return APIError(http.StatusBadRequest, "The disk resource '%s' is already being used by '%s'", d.Name, disk.Users[0])
		}
	}

	// The boot disk takes the instance name.
	c.Disks[in.Name] = &gce.Disk{
		Name:   in.Name,
		Status: gce.StatusReady,
		SizeGB: img.DiskSizeGB,
		Users:  []string{in.Name},
		Labels: maps.Clone(in.Labels),
	}
	c.autoDelete[in.Name] = in.DeleteBoot

	inst := &gce.Instance{
		Name:       in.Name,
		Status:     gce.StatusProvisioning,
		NATIP:      "203.0.113.10",
		InternalIP: "10.128.0.2",
		Disks:      []string{in.Name},
		Labels:     maps.Clone(in.Labels),
	}
	for _, d := range in.Disks {
		disk := c.Disks[d.Name]
		disk.Users = append(disk.Users, in.Name)
		c.autoDelete[d.Name] = d.AutoDelete
		inst.Disks = append(inst.Disks, d.Name)
	}
	c.Instances[in.Name] = inst

	md := map[string]string{}
	for _, item := range in.Metadata {
		md[item.Key] = item.Value
	}
	c.Metadata[in.Name] = md
	return nil
}

func copyInstance(i *gce.Instance) *gce.Instance {
	cp := *i
	cp.Disks = slices.Clone(i.Disks)
	cp.Labels = maps.Clone(i.Labels)
	return &cp
}

func (c *Cloud) GetInstance(ctx context.Context, zone, name string) (*gce.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetInstance"); err != nil {
		return nil, err
	}

	inst, ok := c.Instances[name]
	if !ok {
		return nil, gce.NotFound("instances", name)
	}
	if inst.Status == gce.StatusProvisioning || inst.Status == gce.StatusStaging {
		inst.Status = gce.StatusRunning
	}
	return copyInstance(inst), nil
}

func (c *Cloud) DeleteInstance(ctx context.Context, zone, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DeleteInstance"); err != nil {
		return err
	}

	inst, ok := c.Instances[name]
	if !ok {
		return gce.NotFound("instances", name)
	}
	for _, d := range inst.Disks {
		disk, ok := c.Disks[d]
		if !ok {
			continue
		}
		disk.Users = slices.DeleteFunc(disk.Users, func(u string) bool { return u == name })
		if c.autoDelete[d] {
			delete(c.Disks, d)
		}
	}
	delete(c.Instances, name)
	return nil
}

func (c *Cloud) ListInstances(ctx context.Context, zone string, labels map[string]string) ([]*gce.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("ListInstances"); err != nil {
		return nil, err
	}

	var out []*gce.Instance
	for _, i := range c.Instances {
		if matches(i.Labels, labels) {
			out = append(out, copyInstance(i))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

func (c *Cloud) GetSerialPortOutput(ctx context.Context, zone, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetSerialPortOutput"); err != nil {
		return "", err
	}
	if _, ok := c.Instances[name]; !ok {
		return "", gce.NotFound("instances", name)
	}
	return c.SerialPortOutput, nil
}

func (c *Cloud) CreateDisk(ctx context.Context, zone string, in gce.DiskInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("CreateDisk"); err != nil {
		return err
	}

	if _, ok := c.Disks[in.Name]; ok {
		return conflict("disks", in.Name)
	}
	size := in.SizeGB
	if in.SourceSnapshot != "" {
		snap, ok := c.Snapshots[in.SourceSnapshot]
		if !ok {
			return gce.NotFound("snapshots", in.SourceSnapshot)
		}
		if size == 0 {
			size = snap.DiskSizeGB
		}
	}
	c.Disks[in.Name] = &gce.Disk{
		Name:   in.Name,
		Status: gce.StatusCreating,
		SizeGB: size,
		Labels: maps.Clone(in.Labels),
	}
	return nil
}

func (c *Cloud) GetDisk(ctx context.Context, zone, name string) (*gce.Disk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetDisk"); err != nil {
		return nil, err
	}

	disk, ok := c.Disks[name]
	if !ok {
		return nil, gce.NotFound("disks", name)
	}
	if disk.Status == gce.StatusCreating {
		disk.Status = gce.StatusReady
	}
	cp := *disk
	cp.Users = slices.Clone(disk.Users)
	cp.Labels = maps.Clone(disk.Labels)
	return &cp, nil
}

func (c *Cloud) DeleteDisk(ctx context.Context, zone, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DeleteDisk"); err != nil {
		return err
	}

	disk, ok := c.Disks[name]
	if !ok {
		return gce.NotFound("disks", name)
	}
	if len(disk.Users) > 0 {
		return APIError(http.StatusBadRequest, "The disk resource '%s' is already being used by '%s'", name, disk.Users[0])
	}
	delete(c.Disks, name)
	return nil
}

func (c *Cloud) ListDisks(ctx context.Context, zone string, labels map[string]string) ([]*gce.Disk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("ListDisks"); err != nil {
		return nil, err
	}

	var out []*gce.Disk
	for _, d := range c.Disks {
		if matches(d.Labels, labels) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

func (c *Cloud) CreateSnapshot(ctx context.Context, zone, disk, name string, labels map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("CreateSnapshot"); err != nil {
		return err
	}

	d, ok := c.Disks[disk]
	if !ok {
		return gce.NotFound("disks", disk)
	}
	if _, ok := c.Snapshots[name]; ok {
		return conflict("snapshots", name)
	}
	c.Snapshots[name] = &gce.Snapshot{
		Name:       name,
		Status:     gce.StatusCreating,
		DiskSizeGB: d.SizeGB,
		Labels:     maps.Clone(labels),
	}
	return nil
}

func (c *Cloud) GetSnapshot(ctx context.Context, name string) (*gce.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetSnapshot"); err != nil {
		return nil, err
	}

	snap, ok := c.Snapshots[name]
	if !ok {
		return nil, gce.NotFound("snapshots", name)
	}
	if snap.Status == gce.StatusCreating || snap.Status == gce.StatusUploading {
		snap.Status = gce.StatusReady
		if c.FailSnapshots[name] {
			snap.Status = gce.StatusFailed
		}
	}
	cp := *snap
	cp.Labels = maps.Clone(snap.Labels)
	return &cp, nil
}

func (c *Cloud) DeleteSnapshot(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DeleteSnapshot"); err != nil {
		return err
	}

	if _, ok := c.Snapshots[name]; !ok {
		return gce.NotFound("snapshots", name)
	}
	delete(c.Snapshots, name)
	return nil
}

func (c *Cloud) ListSnapshots(ctx context.Context, labels map[string]string) ([]*gce.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("ListSnapshots"); err != nil {
		return nil, err
	}

	var out []*gce.Snapshot
	for _, s := range c.Snapshots {
		if matches(s.Labels, labels) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

func (c *Cloud) CreateImageFromDisk(ctx context.Context, zone, name, disk string, labels map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("CreateImageFromDisk"); err != nil {
		return err
	}

	d, ok := c.Disks[disk]
	if !ok {
		return gce.NotFound("disks", disk)
	}
	if len(d.Users) > 0 {
		return APIError(http.StatusBadRequest, "The disk resource '%s' is already being used by '%s'", disk, d.Users[0])
	}
	if _, ok := c.Images[name]; ok {
		return conflict("images", name)
	}
	c.Images[name] = &gce.Image{
		Name:       name,
		Status:     gce.StatusPending,
		DiskSizeGB: d.SizeGB,
		Labels:     maps.Clone(labels),
	}
	return nil
}

func (c *Cloud) GetImage(ctx context.Context, project, name string) (*gce.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetImage"); err != nil {
		return nil, err
	}

	img, ok := c.Images[name]
	if !ok {
		return nil, gce.NotFound("images", name)
	}
	if img.Status == gce.StatusPending {
		img.Status = gce.StatusReady
	}
	cp := *img
	cp.Labels = maps.Clone(img.Labels)
	return &cp, nil
}

func (c *Cloud) DeleteImage(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DeleteImage"); err != nil {
		return err
	}

	if _, ok := c.Images[name]; !ok {
		return gce.NotFound("images", name)
	}
	delete(c.Images, name)
	return nil
}

func (c *Cloud) ListImages(ctx context.Context, labels map[string]string) ([]*gce.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("ListImages"); err != nil {
		return nil, err
	}

	var out []*gce.Image
	for _, i := range c.Images {
		if matches(i.Labels, labels) {
			cp := *i
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}
