package aws

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/fly-io/brkt/pkg/errors"
)

// EC2 implements Service on the EC2 API.
type EC2 struct {
	client *ec2.Client
	region string
}

var _ Service = (*EC2)(nil)

// NewEC2 creates an EC2 client using the default credential chain
func NewEC2(ctx context.Context, region string) (*EC2, error) {
	slog.Debug("ec2_client_init", "region", region)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &EC2{client: ec2.NewFromConfig(cfg), region: region}, nil
}

// Region returns the region the client talks to.
func (e *EC2) Region() string { return e.region }

func toTags(m map[string]string) []types.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]types.Tag, 0, len(m))
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return tags
}

func fromTags(tags []types.Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return m
}

func tagSpecs(tags map[string]string, kinds ...types.ResourceType) []types.TagSpecification {
	if len(tags) == 0 {
		return nil
	}
	specs := make([]types.TagSpecification, 0, len(kinds))
	for _, k := range kinds {
		specs = append(specs, types.TagSpecification{ResourceType: k, Tags: toTags(tags)})
	}
	return specs
}

func toMappings(devices []BlockDevice) []types.BlockDeviceMapping {
	mappings := make([]types.BlockDeviceMapping, 0, len(devices))
	for _, d := range devices {
		m := types.BlockDeviceMapping{DeviceName: aws.String(d.DeviceName)}
		if d.VirtualName != "" {
			m.VirtualName = aws.String(d.VirtualName)
			mappings = append(mappings, m)
			continue
		}

		ebs := &types.EbsBlockDevice{DeleteOnTermination: aws.Bool(d.DeleteOnTermination)}
		if d.SnapshotID != "" {
			ebs.SnapshotId = aws.String(d.SnapshotID)
		}
		if d.Size > 0 {
			ebs.VolumeSize = aws.Int32(d.Size)
		}
		if d.VolumeType != "" {
			ebs.VolumeType = types.VolumeType(d.VolumeType)
		}
		if d.Iops > 0 {
			ebs.Iops = aws.Int32(d.Iops)
		}
		m.Ebs = ebs
		mappings = append(mappings, m)
	}
	return mappings
}

func fromMappings(mappings []types.BlockDeviceMapping) []BlockDevice {
	devices := make([]BlockDevice, 0, len(mappings))
	for _, m := range mappings {
		d := BlockDevice{
			DeviceName:  aws.ToString(m.DeviceName),
			VirtualName: aws.ToString(m.VirtualName),
		}
		if m.Ebs != nil {
			d.SnapshotID = aws.ToString(m.Ebs.SnapshotId)
			d.Size = aws.ToInt32(m.Ebs.VolumeSize)
			d.VolumeType = string(m.Ebs.VolumeType)
			d.Iops = aws.ToInt32(m.Ebs.Iops)
			d.DeleteOnTermination = aws.ToBool(m.Ebs.DeleteOnTermination)
		}
		devices = append(devices, d)
	}
	return devices
}

func fromInstance(i types.Instance) *Instance {
	inst := &Instance{
		ID:             aws.ToString(i.InstanceId),
		ImageID:        aws.ToString(i.ImageId),
		PublicIP:       aws.ToString(i.PublicIpAddress),
		PrivateIP:      aws.ToString(i.PrivateIpAddress),
		RootDeviceName: aws.ToString(i.RootDeviceName),
		BlockDevices:   map[string]string{},
		Tags:           fromTags(i.Tags),
	}
	if i.State != nil {
		inst.State = string(i.State.Name)
	}
	if i.Placement != nil {
		inst.AvailabilityZone = aws.ToString(i.Placement.AvailabilityZone)
	}
	for _, bdm := range i.BlockDeviceMappings {
		if bdm.Ebs != nil {
			inst.BlockDevices[aws.ToString(bdm.DeviceName)] = aws.ToString(bdm.Ebs.VolumeId)
		}
	}
	return inst
}

func fromVolume(v types.Volume) *Volume {
	vol := &Volume{
		ID:               aws.ToString(v.VolumeId),
		State:            string(v.State),
		Size:             aws.ToInt32(v.Size),
		VolumeType:       string(v.VolumeType),
		Iops:             aws.ToInt32(v.Iops),
		SnapshotID:       aws.ToString(v.SnapshotId),
		AvailabilityZone: aws.ToString(v.AvailabilityZone),
		Tags:             fromTags(v.Tags),
	}
	if len(v.Attachments) > 0 {
		a := v.Attachments[0]
		vol.AttachedTo = aws.ToString(a.InstanceId)
		vol.Device = aws.ToString(a.Device)
		vol.AttachmentState = string(a.State)
	}
	return vol
}

func fromSnapshot(s types.Snapshot) *Snapshot {
	return &Snapshot{
		ID:          aws.ToString(s.SnapshotId),
		VolumeID:    aws.ToString(s.VolumeId),
		State:       string(s.State),
		Progress:    aws.ToString(s.Progress),
		Size:        aws.ToInt32(s.VolumeSize),
		Description: aws.ToString(s.Description),
		Tags:        fromTags(s.Tags),
	}
}

func fromImage(i types.Image) *Image {
	return &Image{
		ID:                 aws.ToString(i.ImageId),
		Name:               aws.ToString(i.Name),
		Description:        aws.ToString(i.Description),
		State:              string(i.State),
		Platform:           string(i.Platform),
		RootDeviceName:     aws.ToString(i.RootDeviceName),
		RootDeviceType:     string(i.RootDeviceType),
		Hypervisor:         string(i.Hypervisor),
		VirtualizationType: string(i.VirtualizationType),
		KernelID:           aws.ToString(i.KernelId),
		BlockDevices:       fromMappings(i.BlockDeviceMappings),
		Tags:               fromTags(i.Tags),
	}
}

func tagFilter(key, value string) []types.Filter {
	return []types.Filter{{Name: aws.String("tag:" + key), Values: []string{value}}}
}

// RunInstance launches a single instance.
func (e *EC2) RunInstance(ctx context.Context, in RunInstanceInput) (*Instance, error) {
	input := &ec2.RunInstancesInput{
		ImageId:             aws.String(in.ImageID),
		MinCount:            aws.Int32(1),
		MaxCount:            aws.Int32(1),
		InstanceType:        types.InstanceType(in.InstanceType),
		BlockDeviceMappings: toMappings(in.BlockDevices),
		EbsOptimized:        aws.Bool(in.EbsOptimized),
		TagSpecifications:   tagSpecs(in.Tags, types.ResourceTypeInstance, types.ResourceTypeVolume),
	}
	if in.SubnetID != "" {
		input.SubnetId = aws.String(in.SubnetID)
	}
	if len(in.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = in.SecurityGroupIDs
	}
	if in.AvailabilityZone != "" {
		input.Placement = &types.Placement{AvailabilityZone: aws.String(in.AvailabilityZone)}
	}
	if len(in.UserData) > 0 {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString(in.UserData))
	}

	out, err := e.client.RunInstances(ctx, input)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to run instance of %s", in.ImageID)
	}
	if len(out.Instances) == 0 {
		return nil, errors.Errorf("run instances returned no instance for %s", in.ImageID)
	}
	return fromInstance(out.Instances[0]), nil
}

// GetInstance describes one instance.
func (e *EC2) GetInstance(ctx context.Context, id string) (*Instance, error) {
	out, err := e.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to describe instance %s", id)
	}
	for _, r := range out.Reservations {
		if len(r.Instances) > 0 {
			return fromInstance(r.Instances[0]), nil
		}
	}
	return nil, errors.Errorf("instance %s not found", id)
}

// StopInstance stops an instance.
func (e *EC2) StopInstance(ctx context.Context, id string) error {
	_, err := e.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}})
	return errors.Wrapf(err, "failed to stop instance %s", id)
}

// TerminateInstance terminates an instance.
func (e *EC2) TerminateInstance(ctx context.Context, id string) error {
	_, err := e.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	return errors.Wrapf(err, "failed to terminate instance %s", id)
}

// GetConsoleOutput returns the decoded serial console output.
func (e *EC2) GetConsoleOutput(ctx context.Context, id string) (string, error) {
	out, err := e.client.GetConsoleOutput(ctx, &ec2.GetConsoleOutputInput{InstanceId: aws.String(id)})
	if err != nil {
		return "", errors.Wrapf(err, "failed to get console output of %s", id)
	}
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(out.Output))
	if err != nil {
		return "", errors.Wrap(err, "failed to decode console output")
	}
	return string(decoded), nil
}

// GetInstancesByTag returns every instance with the given tag, terminated
// ones included.
func (e *EC2) GetInstancesByTag(ctx context.Context, key, value string) ([]*Instance, error) {
	var insts []*Instance
	p := ec2.NewDescribeInstancesPaginator(e.client, &ec2.DescribeInstancesInput{Filters: tagFilter(key, value)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list instances")
		}
		for _, r := range page.Reservations {
			for _, i := range r.Instances {
				insts = append(insts, fromInstance(i))
			}
		}
	}
	return insts, nil
}

// GetVolume describes one volume.
func (e *EC2) GetVolume(ctx context.Context, id string) (*Volume, error) {
	out, err := e.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{id}})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to describe volume %s", id)
	}
	if len(out.Volumes) == 0 {
		return nil, errors.Errorf("volume %s not found", id)
	}
	return fromVolume(out.Volumes[0]), nil
}

// GetVolumesByTag returns every volume with the given tag.
func (e *EC2) GetVolumesByTag(ctx context.Context, key, value string) ([]*Volume, error) {
	var vols []*Volume
	p := ec2.NewDescribeVolumesPaginator(e.client, &ec2.DescribeVolumesInput{Filters: tagFilter(key, value)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list volumes")
		}
		for _, v := range page.Volumes {
			vols = append(vols, fromVolume(v))
		}
	}
	return vols, nil
}

// AttachVolume attaches a volume to an instance.
func (e *EC2) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	_, err := e.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
	})
	return errors.Wrapf(err, "failed to attach %s to %s", volumeID, instanceID)
}

// DetachVolume detaches a volume from its instance.
func (e *EC2) DetachVolume(ctx context.Context, volumeID string, force bool) error {
	_, err := e.client.DetachVolume(ctx, &ec2.DetachVolumeInput{
		VolumeId: aws.String(volumeID),
		Force:    aws.Bool(force),
	})
	return errors.Wrapf(err, "failed to detach %s", volumeID)
}

// DeleteVolume deletes a volume.
func (e *EC2) DeleteVolume(ctx context.Context, id string) error {
	_, err := e.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(id)})
	return errors.Wrapf(err, "failed to delete volume %s", id)
}

// CreateSnapshot snapshots a volume and tags the snapshot at creation.
func (e *EC2) CreateSnapshot(ctx context.Context, volumeID, description string, tags map[string]string) (*Snapshot, error) {
	out, err := e.client.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:          aws.String(volumeID),
		Description:       aws.String(description),
		TagSpecifications: tagSpecs(tags, types.ResourceTypeSnapshot),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to snapshot %s", volumeID)
	}
	return &Snapshot{
		ID:          aws.ToString(out.SnapshotId),
		VolumeID:    aws.ToString(out.VolumeId),
		State:       string(out.State),
		Size:        aws.ToInt32(out.VolumeSize),
		Description: aws.ToString(out.Description),
		Tags:        fromTags(out.Tags),
	}, nil
}

// GetSnapshots describes the given snapshots.
func (e *EC2) GetSnapshots(ctx context.Context, ids ...string) ([]*Snapshot, error) {
	out, err := e.client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: ids})
	if err != nil {
		return nil, errors.Wrap(err, "failed to describe snapshots")
	}
	snaps := make([]*Snapshot, 0, len(out.Snapshots))
	for _, s := range out.Snapshots {
		snaps = append(snaps, fromSnapshot(s))
	}
	return snaps, nil
}

// GetSnapshotsByTag returns every snapshot owned by the caller with the
// given tag.
func (e *EC2) GetSnapshotsByTag(ctx context.Context, key, value string) ([]*Snapshot, error) {
	var snaps []*Snapshot
	p := ec2.NewDescribeSnapshotsPaginator(e.client, &ec2.DescribeSnapshotsInput{
		OwnerIds: []string{"self"},
		Filters:  tagFilter(key, value),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list snapshots")
		}
		for _, s := range page.Snapshots {
			snaps = append(snaps, fromSnapshot(s))
		}
	}
	return snaps, nil
}

// DeleteSnapshot deletes a snapshot.
func (e *EC2) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := e.client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(id)})
	return errors.Wrapf(err, "failed to delete snapshot %s", id)
}

// RegisterImage registers an image from snapshots. The provider error stays
// reachable through the wrap for RecoverImageID.
func (e *EC2) RegisterImage(ctx context.Context, in RegisterImageInput) (string, error) {
	input := &ec2.RegisterImageInput{
		Name:                aws.String(in.Name),
		Description:         aws.String(in.Description),
		Architecture:        types.ArchitectureValues(in.Architecture),
		RootDeviceName:      aws.String(in.RootDeviceName),
		BlockDeviceMappings: toMappings(in.BlockDevices),
	}
	if in.KernelID != "" {
		input.KernelId = aws.String(in.KernelID)
	}
	if in.VirtualizationType != "" {
		input.VirtualizationType = aws.String(in.VirtualizationType)
	}

	out, err := e.client.RegisterImage(ctx, input)
	if err != nil {
		return "", errors.Wrapf(err, "failed to register image %s", in.Name)
	}
	return aws.ToString(out.ImageId), nil
}

// CreateImage creates an image from an instance.
func (e *EC2) CreateImage(ctx context.Context, in CreateImageInput) (string, error) {
	out, err := e.client.CreateImage(ctx, &ec2.CreateImageInput{
		InstanceId:          aws.String(in.InstanceID),
		Name:                aws.String(in.Name),
		Description:         aws.String(in.Description),
		NoReboot:            aws.Bool(in.NoReboot),
		BlockDeviceMappings: toMappings(in.BlockDevices),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to create image from %s", in.InstanceID)
	}
	return aws.ToString(out.ImageId), nil
}

// GetImage describes one image.
func (e *EC2) GetImage(ctx context.Context, id string) (*Image, error) {
	out, err := e.client.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{id}})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to describe image %s", id)
	}
	if len(out.Images) == 0 {
		return nil, errors.Errorf("image %s not found", id)
	}
	return fromImage(out.Images[0]), nil
}

// FindOwnImagesByName returns images owned by the caller with the exact name.
func (e *EC2) FindOwnImagesByName(ctx context.Context, name string) ([]*Image, error) {
	out, err := e.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners:  []string{"self"},
		Filters: []types.Filter{{Name: aws.String("name"), Values: []string{name}}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to search images by name")
	}
	images := make([]*Image, 0, len(out.Images))
	for _, i := range out.Images {
		images = append(images, fromImage(i))
	}
	return images, nil
}

// DeregisterImage deregisters an image.
func (e *EC2) DeregisterImage(ctx context.Context, id string) error {
	_, err := e.client.DeregisterImage(ctx, &ec2.DeregisterImageInput{ImageId: aws.String(id)})
	return errors.Wrapf(err, "failed to deregister image %s", id)
}

// CreateSecurityGroup creates a security group in the given VPC, or the
// default VPC when vpcID is empty.
func (e *EC2) CreateSecurityGroup(ctx context.Context, name, description, vpcID string, tags map[string]string) (string, error) {
	input := &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(name),
		Description:       aws.String(description),
		TagSpecifications: tagSpecs(tags, types.ResourceTypeSecurityGroup),
	}
	if vpcID != "" {
		input.VpcId = aws.String(vpcID)
	}

	out, err := e.client.CreateSecurityGroup(ctx, input)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create security group %s", name)
	}
	return aws.ToString(out.GroupId), nil
}

// AddSecurityGroupRule allows inbound TCP on port from cidr.
func (e *EC2) AddSecurityGroupRule(ctx context.Context, groupID string, port int32, cidr string) error {
	_, err := e.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(groupID),
		IpPermissions: []types.IpPermission{{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(port),
			ToPort:     aws.Int32(port),
			IpRanges:   []types.IpRange{{CidrIp: aws.String(cidr)}},
		}},
	})
	return errors.Wrapf(err, "failed to authorize ingress on %s", groupID)
}

// DeleteSecurityGroup deletes a security group.
func (e *EC2) DeleteSecurityGroup(ctx context.Context, id string) error {
	_, err := e.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
	return errors.Wrapf(err, "failed to delete security group %s", id)
}

// GetSecurityGroupsByTag returns the ids of every security group with the
// given tag.
func (e *EC2) GetSecurityGroupsByTag(ctx context.Context, key, value string) ([]string, error) {
	var ids []string
	p := ec2.NewDescribeSecurityGroupsPaginator(e.client, &ec2.DescribeSecurityGroupsInput{Filters: tagFilter(key, value)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list security groups")
		}
		for _, g := range page.SecurityGroups {
			ids = append(ids, aws.ToString(g.GroupId))
		}
	}
	return ids, nil
}

// GetSubnetVPC returns the VPC of a subnet.
func (e *EC2) GetSubnetVPC(ctx context.Context, subnetID string) (string, error) {
	out, err := e.client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: []string{subnetID}})
	if err != nil {
		return "", errors.Wrapf(err, "failed to describe subnet %s", subnetID)
	}
	if len(out.Subnets) == 0 {
		return "", errors.Errorf("subnet %s not found", subnetID)
	}
	return aws.ToString(out.Subnets[0].VpcId), nil
}

// CreateTags tags a resource.
func (e *EC2) CreateTags(ctx context.Context, id string, tags map[string]string) error {
	_, err := e.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags:      toTags(tags),
	})
	return errors.Wrapf(err, "failed to tag %s", id)
}
