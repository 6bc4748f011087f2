// Package aws is the EC2 capability interface consumed by the encrypt and
// update workflows, plus the concrete binding on aws-sdk-go-v2.
package aws

import "context"

// Instance states
const (
	InstanceStatePending    = "pending"
	InstanceStateRunning    = "running"
	InstanceStateStopping   = "stopping"
	InstanceStateStopped    = "stopped"
	InstanceStateTerminated = "terminated"
	InstanceStateError      = "error"
)

// Volume and snapshot states
const (
	VolumeStateCreating  = "creating"
	VolumeStateAvailable = "available"
	VolumeStateInUse     = "in-use"
	VolumeStateDeleting  = "deleting"
	VolumeStateDeleted   = "deleted"
	VolumeStateError     = "error"

	SnapshotStatePending   = "pending"
	SnapshotStateCompleted = "completed"
	SnapshotStateError     = "error"

	AttachmentAttached = "attached"
	AttachmentDetached = "detached"
)

// Image states
const (
	ImageStatePending   = "pending"
	ImageStateAvailable = "available"
	ImageStateFailed    = "failed"
)

// BlockDevice is one entry of a block device mapping. Either SnapshotID (or
// a blank Size) describes an EBS volume, or VirtualName names an ephemeral
// device.
type BlockDevice struct {
	DeviceName          string
	VirtualName         string
	SnapshotID          string
	VolumeID            string
	Size                int32
	VolumeType          string
	Iops                int32
	DeleteOnTermination bool
}

// Instance is a running or stopped virtual machine.
type Instance struct {
	ID               string
	State            string
	ImageID          string
	AvailabilityZone string
	PublicIP         string
	PrivateIP        string
	RootDeviceName   string
	// BlockDevices maps device name to attached volume id.
	BlockDevices map[string]string
	Tags         map[string]string
}

// Volume is an EBS volume.
type Volume struct {
	ID               string
	State            string
	Size             int32
	VolumeType       string
	Iops             int32
	SnapshotID       string
	AvailabilityZone string
	AttachedTo       string
	Device           string
	AttachmentState  string
	Tags             map[string]string
}

// Snapshot is an EBS snapshot.
type Snapshot struct {
	ID          string
	VolumeID    string
	State       string
	Progress    string
	Size        int32
	Description string
	Tags        map[string]string
}

// Image is a machine image.
type Image struct {
	ID                 string
	Name               string
	Description        string
	State              string
	Platform           string
	RootDeviceName     string
	RootDeviceType     string
	Hypervisor         string
	VirtualizationType string
	KernelID           string
	BlockDevices       []BlockDevice
	Tags               map[string]string
}

// RunInstanceInput describes an instance launch.
type RunInstanceInput struct {
	ImageID          string
	InstanceType     string
	SubnetID         string
	SecurityGroupIDs []string
	AvailabilityZone string
	BlockDevices     []BlockDevice
	UserData         []byte
	EbsOptimized     bool
	// Tags are applied to the instance and its volumes at launch.
	Tags map[string]string
}

// RegisterImageInput registers an image from existing snapshots.
type RegisterImageInput struct {
	Name               string
	Description        string
	Architecture       string
	KernelID           string
	RootDeviceName     string
	VirtualizationType string
	BlockDevices       []BlockDevice
}

// CreateImageInput creates an image from an instance.
type CreateImageInput struct {
	InstanceID   string
	Name         string
	Description  string
	NoReboot     bool
	BlockDevices []BlockDevice
}

// Service is the subset of EC2 used by the workflows. Every call is
// synchronous; NotFound faults are detectable with IsNotFound.
type Service interface {
	RunInstance(ctx context.Context, in RunInstanceInput) (*Instance, error)
	GetInstance(ctx context.Context, id string) (*Instance, error)
	StopInstance(ctx context.Context, id string) error
	TerminateInstance(ctx context.Context, id string) error
	GetConsoleOutput(ctx context.Context, id string) (string, error)
	GetInstancesByTag(ctx context.Context, key, value string) ([]*Instance, error)

	GetVolume(ctx context.Context, id string) (*Volume, error)
	GetVolumesByTag(ctx context.Context, key, value string) ([]*Volume, error)
	AttachVolume(ctx context.Context, volumeID, instanceID, device string) error
	DetachVolume(ctx context.Context, volumeID string, force bool) error
	DeleteVolume(ctx context.Context, id string) error

	CreateSnapshot(ctx context.Context, volumeID, description string, tags map[string]string) (*Snapshot, error)
	GetSnapshots(ctx context.Context, ids ...string) ([]*Snapshot, error)
	GetSnapshotsByTag(ctx context.Context, key, value string) ([]*Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error

	RegisterImage(ctx context.Context, in RegisterImageInput) (string, error)
	CreateImage(ctx context.Context, in CreateImageInput) (string, error)
	GetImage(ctx context.Context, id string) (*Image, error)
	FindOwnImagesByName(ctx context.Context, name string) ([]*Image, error)
	DeregisterImage(ctx context.Context, id string) error

	CreateSecurityGroup(ctx context.Context, name, description, vpcID string, tags map[string]string) (string, error)
	AddSecurityGroupRule(ctx context.Context, groupID string, port int32, cidr string) error
	DeleteSecurityGroup(ctx context.Context, id string) error
	GetSecurityGroupsByTag(ctx context.Context, key, value string) ([]string, error)

	GetSubnetVPC(ctx context.Context, subnetID string) (string, error)
	CreateTags(ctx context.Context, id string, tags map[string]string) error
}
