// Package awstest provides an in-memory EC2 for workflow tests. State
// changes that take time on EC2 (instance boot and stop, snapshot and image
// completion) complete on the next describe call.
package awstest

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/aws/smithy-go"
	"github.com/fly-io/brkt/pkg/aws"
	"github.com/fly-io/brkt/pkg/session"
)

// APIError returns a provider error with the given code.
func APIError(code, format string, args ...any) error {
	return &smithy.GenericAPIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SecurityGroup is a fake security group.
type SecurityGroup struct {
	ID          string
	Name        string
	Description string
	VpcID       string
	Ports       []int32
	Tags        map[string]string
}

// Cloud is a fake aws.Service.
type Cloud struct {
	mu sync.Mutex

	Instances      map[string]*aws.Instance
	Volumes        map[string]*aws.Volume
	Snapshots      map[string]*aws.Snapshot
	Images         map[string]*aws.Image
	SecurityGroups map[string]*SecurityGroup
	Subnets        map[string]string

	// ConsoleOutput is returned for every instance.
	ConsoleOutput string
	// SnapshotErrorAt makes the nth created snapshot (1-based) enter the
	// error state instead of completing.
	SnapshotErrorAt int
	// RegisterImageQuirk makes RegisterImage succeed but report
	// InvalidAMIID.NotFound naming the new image.
	RegisterImageQuirk bool
	// PendingPolls is how many describe calls an image or snapshot stays
	// pending before completing.
	PendingPolls int

	calls          []string
	faults         map[string][]error
	instanceGroups map[string][]string
	deleteOnTerm   map[string]bool
	polls          map[string]int
	snapshotCount  int
	seq            int
}

var _ aws.Service = (*Cloud)(nil)

// New returns an empty cloud with one subnet, subnet-1 in vpc-1.
func New() *Cloud {
	return &Cloud{
		Instances:      map[string]*aws.Instance{},
		Volumes:        map[string]*aws.Volume{},
		Snapshots:      map[string]*aws.Snapshot{},
		Images:         map[string]*aws.Image{},
		SecurityGroups: map[string]*SecurityGroup{},
		Subnets:        map[string]string{"subnet-1": "vpc-1"},
		faults:         map[string][]error{},
		instanceGroups: map[string][]string{},
		deleteOnTerm:   map[string]bool{},
		polls:          map[string]int{},
	}
}

func (c *Cloud) nextID(prefix string) string {
	c.seq++
	return fmt.Sprintf("%s-%08x", prefix, c.seq)
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
	return append([]string(nil), c.calls...)
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

// AddImage seeds an image, creating a completed snapshot for every EBS
// device that has none.
func (c *Cloud) AddImage(img *aws.Image) *aws.Image {
	c.mu.Lock()
	defer c.mu.Unlock()

	if img.ID == "" {
		img.ID = c.nextID("ami")
	}
	if img.State == "" {
		img.State = aws.ImageStateAvailable
	}
	if img.Tags == nil {
		img.Tags = map[string]string{}
	}
	for i, bd := range img.BlockDevices {
		if bd.VirtualName != "" || bd.SnapshotID != "" {
			continue
		}
		snap := &aws.Snapshot{ID: c.nextID("snap"), State: aws.SnapshotStateCompleted, Size: bd.Size, Tags: map[string]string{}}
		c.Snapshots[snap.ID] = snap
		img.BlockDevices[i].SnapshotID = snap.ID
	}
	c.Images[img.ID] = img
	return img
}

// Live returns the ids of every resource tagged with the session id that
// still exists, excluding the given ids. Terminated instances and deleted
// volumes do not count.
func (c *Cloud) Live(sessionID string, exclude ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	skip := map[string]bool{}
	for _, id := range exclude {
		skip[id] = true
	}

	var ids []string
	tagged := func(tags map[string]string) bool { return tags[session.TagSessionID] == sessionID }
	for id, i := range c.Instances {
		if tagged(i.Tags) && i.State != aws.InstanceStateTerminated && !skip[id] {
			ids = append(ids, id)
		}
	}
	for id, v := range c.Volumes {
		if tagged(v.Tags) && !skip[id] {
			ids = append(ids, id)
		}
	}
	for id, s := range c.Snapshots {
		if tagged(s.Tags) && !skip[id] {
			ids = append(ids, id)
		}
	}
	for id, g := range c.SecurityGroups {
		if tagged(g.Tags) && !skip[id] {
			ids = append(ids, id)
		}
	}
	for id, img := range c.Images {
		if tagged(img.Tags) && !skip[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func copyInstance(i *aws.Instance) *aws.Instance {
	cp := *i
	cp.BlockDevices = maps.Clone(i.BlockDevices)
	cp.Tags = maps.Clone(i.Tags)
	return &cp
}

func copyVolume(v *aws.Volume) *aws.Volume {
	cp := *v
	cp.Tags = maps.Clone(v.Tags)
	return &cp
}

func copySnapshot(s *aws.Snapshot) *aws.Snapshot {
	cp := *s
	cp.Tags = maps.Clone(s.Tags)
	return &cp
}

func copyImage(img *aws.Image) *aws.Image {
	cp := *img
	cp.BlockDevices = append([]aws.BlockDevice(nil), img.BlockDevices...)
	cp.Tags = maps.Clone(img.Tags)
	return &cp
}

func (c *Cloud) RunInstance(ctx context.Context, in aws.RunInstanceInput) (*aws.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("RunInstance"); err != nil {
		return nil, err
	}

	img, ok := c.Images[in.ImageID]
	if !ok {
		return nil, APIError("InvalidAMIID.NotFound", "The image id '[%s]' does not exist", in.ImageID)
	}
	for _, sg := range in.SecurityGroupIDs {
		if _, ok := c.SecurityGroups[sg]; !ok {
			return nil, APIError("InvalidGroup.NotFound", "The security group '%s' does not exist", sg)
		}
	}

	devices := map[string]aws.BlockDevice{}
	for _, bd := range img.BlockDevices {
		devices[bd.DeviceName] = bd
	}
	for _, bd := range in.BlockDevices {
		devices[bd.DeviceName] = bd
	}

	inst := &aws.Instance{
		ID:               c.nextID("i"),
		State:            aws.InstanceStatePending,
		ImageID:          in.ImageID,
		AvailabilityZone: in.AvailabilityZone,
		PublicIP:         "",
		PrivateIP:        "127.0.0.1",
		RootDeviceName:   img.RootDeviceName,
		BlockDevices:     map[string]string{},
		Tags:             maps.Clone(in.Tags),
	}
	if inst.AvailabilityZone == "" {
		inst.AvailabilityZone = "us-west-2a"
	}
	if inst.Tags == nil {
		inst.Tags = map[string]string{}
	}

	for name, bd := range devices {
		if bd.VirtualName != "" {
			continue
		}
		size := bd.Size
		if snap, ok := c.Snapshots[bd.SnapshotID]; ok && size == 0 {
			size = snap.Size
		}
		if bd.SnapshotID != "" {
			if _, ok := c.Snapshots[bd.SnapshotID]; !ok {
				return nil, APIError("InvalidSnapshot.NotFound", "The snapshot '%s' does not exist", bd.SnapshotID)
			}
		}
		vol := &aws.Volume{
			ID:               c.nextID("vol"),
			State:            aws.VolumeStateInUse,
			Size:             size,
			VolumeType:       bd.VolumeType,
			Iops:             bd.Iops,
			SnapshotID:       bd.SnapshotID,
			AvailabilityZone: inst.AvailabilityZone,
			AttachedTo:       inst.ID,
			Device:           name,
			AttachmentState:  aws.AttachmentAttached,
			Tags:             maps.Clone(inst.Tags),
		}
		if vol.VolumeType == "" {
			vol.VolumeType = "standard"
		}
		c.Volumes[vol.ID] = vol
		c.deleteOnTerm[vol.ID] = bd.DeleteOnTermination
		inst.BlockDevices[name] = vol.ID
	}

	c.Instances[inst.ID] = inst
	c.instanceGroups[inst.ID] = append([]string(nil), in.SecurityGroupIDs...)
	return copyInstance(inst), nil
}

func (c *Cloud) GetInstance(ctx context.Context, id string) (*aws.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetInstance"); err != nil {
		return nil, err
	}

	inst, ok := c.Instances[id]
	if !ok {
		return nil, APIError("InvalidInstanceID.NotFound", "The instance ID '%s' does not exist", id)
	}
	switch inst.State {
	case aws.InstanceStatePending:
		inst.State = aws.InstanceStateRunning
	case aws.InstanceStateStopping:
		inst.State = aws.InstanceStateStopped
	case "shutting-down":
		c.finishTermination(inst)
	}
	return copyInstance(inst), nil
}

func (c *Cloud) finishTermination(inst *aws.Instance) {
	inst.State = aws.InstanceStateTerminated
	for dev, volID := range inst.BlockDevices {
		vol, ok := c.Volumes[volID]
		if !ok {
			continue
		}
		if c.deleteOnTerm[volID] {
			delete(c.Volumes, volID)
		} else {
			vol.State = aws.VolumeStateAvailable
			vol.AttachedTo = ""
			vol.Device = ""
			vol.AttachmentState = aws.AttachmentDetached
		}
		delete(inst.BlockDevices, dev)
	}
	delete(c.instanceGroups, inst.ID)
}

func (c *Cloud) StopInstance(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("StopInstance"); err != nil {
		return err
	}

	inst, ok := c.Instances[id]
	if !ok {
		return APIError("InvalidInstanceID.NotFound", "The instance ID '%s' does not exist", id)
	}
	if inst.State == aws.InstanceStateRunning || inst.State == aws.InstanceStatePending {
		inst.State = aws.InstanceStateStopping
	}
	return nil
}

func (c *Cloud) TerminateInstance(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("TerminateInstance"); err != nil {
		return err
	}

	inst, ok := c.Instances[id]
	if !ok {
		return APIError("InvalidInstanceID.NotFound", "The instance ID '%s' does not exist", id)
	}
	if inst.State != aws.InstanceStateTerminated {
		inst.State = "shutting-down"
	}
	return nil
}

func (c *Cloud) GetConsoleOutput(ctx context.Context, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetConsoleOutput"); err != nil {
		return "", err
	}
	if _, ok := c.Instances[id]; !ok {
		return "", APIError("InvalidInstanceID.NotFound", "The instance ID '%s' does not exist", id)
	}
	return c.ConsoleOutput, nil
}

func (c *Cloud) GetInstancesByTag(ctx context.Context, key, value string) ([]*aws.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetInstancesByTag"); err != nil {
		return nil, err
	}

	var insts []*aws.Instance
	for _, i := range c.Instances {
		if i.Tags[key] == value {
			insts = append(insts, copyInstance(i))
		}
	}
	sort.Slice(insts, func(a, b int) bool { return insts[a].ID < insts[b].ID })
	return insts, nil
}

func (c *Cloud) GetVolume(ctx context.Context, id string) (*aws.Volume, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetVolume"); err != nil {
		return nil, err
	}

	vol, ok := c.Volumes[id]
	if !ok {
		return nil, APIError("InvalidVolume.NotFound", "The volume '%s' does not exist.", id)
	}
	return copyVolume(vol), nil
}

func (c *Cloud) GetVolumesByTag(ctx context.Context, key, value string) ([]*aws.Volume, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetVolumesByTag"); err != nil {
		return nil, err
	}

	var vols []*aws.Volume
	for _, v := range c.Volumes {
		if v.Tags[key] == value {
			vols = append(vols, copyVolume(v))
		}
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].ID < vols[j].ID })
	return vols, nil
}

func (c *Cloud) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("AttachVolume"); err != nil {
		return err
	}

	vol, ok := c.Volumes[volumeID]
	if !ok {
		return APIError("InvalidVolume.NotFound", "The volume '%s' does not exist.", volumeID)
	}
	inst, ok := c.Instances[instanceID]
	if !ok {
		return APIError("InvalidInstanceID.NotFound", "The instance ID '%s' does not exist", instanceID)
	}
	if vol.AttachmentState == aws.AttachmentAttached {
		return APIError("VolumeInUse", "%s is already attached to an instance", volumeID)
	}
	if _, taken := inst.BlockDevices[device]; taken {
		return APIError("InvalidParameterValue", "Attachment point %s is already in use", device)
	}

	vol.State = aws.VolumeStateInUse
	vol.AttachedTo = instanceID
	vol.Device = device
	vol.AttachmentState = aws.AttachmentAttached
	inst.BlockDevices[device] = volumeID
	return nil
}

func (c *Cloud) DetachVolume(ctx context.Context, volumeID string, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DetachVolume"); err != nil {
		return err
	}

	vol, ok := c.Volumes[volumeID]
	if !ok {
		return APIError("InvalidVolume.NotFound", "The volume '%s' does not exist.", volumeID)
	}
	if vol.AttachmentState != aws.AttachmentAttached {
		return APIError("IncorrectState", "Volume '%s' is in the 'available' state.", volumeID)
	}
	if inst, ok := c.Instances[vol.AttachedTo]; ok {
		delete(inst.BlockDevices, vol.Device)
	}
	vol.State = aws.VolumeStateAvailable
	vol.AttachedTo = ""
	vol.Device = ""
	vol.AttachmentState = aws.AttachmentDetached
	return nil
}

func (c *Cloud) DeleteVolume(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DeleteVolume"); err != nil {
		return err
	}

	vol, ok := c.Volumes[id]
	if !ok {
		return APIError("InvalidVolume.NotFound", "The volume '%s' does not exist.", id)
	}
	if vol.AttachmentState == aws.AttachmentAttached {
		return APIError("VolumeInUse", "Volume %s is currently attached to %s", id, vol.AttachedTo)
	}
	delete(c.Volumes, id)
	return nil
}

func (c *Cloud) CreateSnapshot(ctx context.Context, volumeID, description string, tags map[string]string) (*aws.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("CreateSnapshot"); err != nil {
		return nil, err
	}

	vol, ok := c.Volumes[volumeID]
	if !ok {
		return nil, APIError("InvalidVolume.NotFound", "The volume '%s' does not exist.", volumeID)
	}
	return copySnapshot(c.newSnapshot(vol, description, tags)), nil
}

func (c *Cloud) newSnapshot(vol *aws.Volume, description string, tags map[string]string) *aws.Snapshot {
	c.snapshotCount++
	snap := &aws.Snapshot{
		ID:          c.nextID("snap"),
		VolumeID:    vol.ID,
		State:       aws.SnapshotStatePending,
		Progress:    "0%",
		Size:        vol.Size,
		Description: description,
		Tags:        maps.Clone(tags),
	}
	if snap.Tags == nil {
		snap.Tags = map[string]string{}
	}
	if c.SnapshotErrorAt == c.snapshotCount {
		snap.Description += " (fails)"
		c.polls[snap.ID] = -1
	}
	c.Snapshots[snap.ID] = snap
	return snap
}

func (c *Cloud) advanceSnapshot(snap *aws.Snapshot) {
	if snap.State != aws.SnapshotStatePending {
		return
	}
	n := c.polls[snap.ID]
	if n < 0 {
		snap.State = aws.SnapshotStateError
		return
	}
	if n < c.PendingPolls {
		c.polls[snap.ID] = n + 1
		snap.Progress = fmt.Sprintf("%d%%", 100*(n+1)/(c.PendingPolls+1))
		return
	}
	snap.State = aws.SnapshotStateCompleted
	snap.Progress = "100%"
}

func (c *Cloud) GetSnapshots(ctx context.Context, ids ...string) ([]*aws.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetSnapshots"); err != nil {
		return nil, err
	}

	snaps := make([]*aws.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, ok := c.Snapshots[id]
		if !ok {
			return nil, APIError("InvalidSnapshot.NotFound", "The snapshot '%s' does not exist.", id)
		}
		c.advanceSnapshot(snap)
		snaps = append(snaps, copySnapshot(snap))
	}
	return snaps, nil
}

func (c *Cloud) GetSnapshotsByTag(ctx context.Context, key, value string) ([]*aws.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetSnapshotsByTag"); err != nil {
		return nil, err
	}

	var snaps []*aws.Snapshot
	for _, s := range c.Snapshots {
		if s.Tags[key] == value {
			snaps = append(snaps, copySnapshot(s))
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps, nil
}

func (c *Cloud) DeleteSnapshot(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DeleteSnapshot"); err != nil {
		return err
	}

	if _, ok := c.Snapshots[id]; !ok {
		return APIError("InvalidSnapshot.NotFound", "The snapshot '%s' does not exist.", id)
	}
	for _, img := range c.Images {
		for _, bd := range img.BlockDevices {
			if bd.SnapshotID == id {
				return APIError("InvalidSnapshot.InUse", "The snapshot %s is currently in use by %s", id, img.ID)
			}
		}
	}
	delete(c.Snapshots, id)
	return nil
}

func (c *Cloud) RegisterImage(ctx context.Context, in aws.RegisterImageInput) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("RegisterImage"); err != nil {
		return "", err
	}

	for _, bd := range in.BlockDevices {
		if bd.SnapshotID == "" {
			continue
		}
		if _, ok := c.Snapshots[bd.SnapshotID]; !ok {
			return "", APIError("InvalidSnapshot.NotFound", "The snapshot '%s' does not exist.", bd.SnapshotID)
		}
	}
	for _, img := range c.Images {
		if img.Name == in.Name {
			return "", APIError("InvalidAMIName.Duplicate", "AMI name %s is already in use by AMI %s", in.Name, img.ID)
		}
	}

	img := &aws.Image{
		ID:                 c.nextID("ami"),
		Name:               in.Name,
		Description:        in.Description,
		State:              aws.ImageStatePending,
		RootDeviceName:     in.RootDeviceName,
		RootDeviceType:     "ebs",
		Hypervisor:         "xen",
		VirtualizationType: in.VirtualizationType,
		KernelID:           in.KernelID,
		BlockDevices:       append([]aws.BlockDevice(nil), in.BlockDevices...),
		Tags:               map[string]string{},
	}
	c.Images[img.ID] = img

	if c.RegisterImageQuirk {
		return "", APIError("InvalidAMIID.NotFound", "The image id '[%s]' does not exist", img.ID)
	}
	return img.ID, nil
}

func (c *Cloud) CreateImage(ctx context.Context, in aws.CreateImageInput) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("CreateImage"); err != nil {
		return "", err
	}

	inst, ok := c.Instances[in.InstanceID]
	if !ok {
		return "", APIError("InvalidInstanceID.NotFound", "The instance ID '%s' does not exist", in.InstanceID)
	}
	overrides := map[string]aws.BlockDevice{}
	for _, bd := range in.BlockDevices {
		overrides[bd.DeviceName] = bd
	}

	devNames := make([]string, 0, len(inst.BlockDevices))
	for dev := range inst.BlockDevices {
		devNames = append(devNames, dev)
	}
	sort.Strings(devNames)

	img := &aws.Image{
		ID:                 c.nextID("ami"),
		Name:               in.Name,
		Description:        in.Description,
		State:              aws.ImageStatePending,
		RootDeviceName:     inst.RootDeviceName,
		RootDeviceType:     "ebs",
		Hypervisor:         "xen",
		VirtualizationType: "paravirtual",
		Tags:               map[string]string{},
	}
	for _, dev := range devNames {
		vol := c.Volumes[inst.BlockDevices[dev]]
		snap := c.newSnapshot(vol, "Created by CreateImage("+inst.ID+")", nil)
		snap.State = aws.SnapshotStateCompleted
		bd := aws.BlockDevice{
			DeviceName: dev,
			SnapshotID: snap.ID,
			Size:       vol.Size,
			VolumeType: vol.VolumeType,
			Iops:       vol.Iops,
		}
		if o, ok := overrides[dev]; ok {
			if o.VolumeType != "" {
				bd.VolumeType = o.VolumeType
			}
			if o.Iops > 0 {
				bd.Iops = o.Iops
			}
			bd.DeleteOnTermination = o.DeleteOnTermination
		}
		img.BlockDevices = append(img.BlockDevices, bd)
	}
	for _, bd := range in.BlockDevices {
		if bd.VirtualName != "" {
			img.BlockDevices = append(img.BlockDevices, bd)
		}
	}
	c.Images[img.ID] = img
	return img.ID, nil
}

func (c *Cloud) GetImage(ctx context.Context, id string) (*aws.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetImage"); err != nil {
		return nil, err
	}

	img, ok := c.Images[id]
	if !ok {
		return nil, APIError("InvalidAMIID.NotFound", "The image id '[%s]' does not exist", id)
	}
	if img.State == aws.ImageStatePending {
		if n := c.polls[id]; n < c.PendingPolls {
			c.polls[id] = n + 1
		} else {
			img.State = aws.ImageStateAvailable
		}
	}
	return copyImage(img), nil
}

func (c *Cloud) FindOwnImagesByName(ctx context.Context, name string) ([]*aws.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("FindOwnImagesByName"); err != nil {
		return nil, err
	}

	var images []*aws.Image
	for _, img := range c.Images {
		if img.Name == name {
			images = append(images, copyImage(img))
		}
	}
	return images, nil
}

func (c *Cloud) DeregisterImage(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DeregisterImage"); err != nil {
		return err
	}

	if _, ok := c.Images[id]; !ok {
		return APIError("InvalidAMIID.NotFound", "The image id '[%s]' does not exist", id)
	}
	delete(c.Images, id)
	return nil
}

func (c *Cloud) CreateSecurityGroup(ctx context.Context, name, description, vpcID string, tags map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("CreateSecurityGroup"); err != nil {
		return "", err
	}

	for _, g := range c.SecurityGroups {
		if g.Name == name && g.VpcID == vpcID {
			return "", APIError("InvalidGroup.Duplicate", "The security group '%s' already exists", name)
		}
	}
	g := &SecurityGroup{
		ID:          c.nextID("sg"),
		Name:        name,
		Description: description,
		VpcID:       vpcID,
		Tags:        maps.Clone(tags),
	}
	if g.Tags == nil {
		g.Tags = map[string]string{}
	}
	c.SecurityGroups[g.ID] = g
	return g.ID, nil
}

func (c *Cloud) AddSecurityGroupRule(ctx context.Context, groupID string, port int32, cidr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("AddSecurityGroupRule"); err != nil {
		return err
	}

	g, ok := c.SecurityGroups[groupID]
	if !ok {
		return APIError("InvalidGroup.NotFound", "The security group '%s' does not exist", groupID)
	}
	g.Ports = append(g.Ports, port)
	return nil
}

func (c *Cloud) DeleteSecurityGroup(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DeleteSecurityGroup"); err != nil {
		return err
	}

	if _, ok := c.SecurityGroups[id]; !ok {
		return APIError("InvalidGroup.NotFound", "The security group '%s' does not exist", id)
	}
	for instID, groups := range c.instanceGroups {
		for _, g := range groups {
			if g == id {
				return APIError("DependencyViolation", "resource %s has a dependent object %s", id, instID)
			}
		}
	}
	delete(c.SecurityGroups, id)
	return nil
}

func (c *Cloud) GetSecurityGroupsByTag(ctx context.Context, key, value string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetSecurityGroupsByTag"); err != nil {
		return nil, err
	}

	var ids []string
	for id, g := range c.SecurityGroups {
		if g.Tags[key] == value {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *Cloud) GetSubnetVPC(ctx context.Context, subnetID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetSubnetVPC"); err != nil {
		return "", err
	}

	vpc, ok := c.Subnets[subnetID]
	if !ok {
		return "", APIError("InvalidSubnetID.NotFound", "The subnet ID '%s' does not exist", subnetID)
	}
	return vpc, nil
}

func (c *Cloud) CreateTags(ctx context.Context, id string, tags map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("CreateTags"); err != nil {
		return err
	}

	var target map[string]string
	switch {
	case strings.HasPrefix(id, "i-") && c.Instances[id] != nil:
		target = c.Instances[id].Tags
	case strings.HasPrefix(id, "vol-") && c.Volumes[id] != nil:
		target = c.Volumes[id].Tags
	case strings.HasPrefix(id, "snap-") && c.Snapshots[id] != nil:
		target = c.Snapshots[id].Tags
	case strings.HasPrefix(id, "ami-") && c.Images[id] != nil:
		target = c.Images[id].Tags
	case strings.HasPrefix(id, "sg-") && c.SecurityGroups[id] != nil:
		target = c.SecurityGroups[id].Tags
	default:
		return APIError("InvalidID.NotFound", "The ID '%s' does not exist", id)
	}
	maps.Copy(target, tags)
	return nil
}
