// Package gce is the Compute Engine side of the encryption workflows. GCE
// resources are addressed by name and grouped by session label, so
// compensation is a single label-scoped Cleanup per zone instead of
// per-resource tracking.
package gce

import (
	"context"
	"net/http"

	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/userdata"
	"google.golang.org/api/googleapi"
)

// Resource statuses
const (
	StatusProvisioning = "PROVISIONING"
	StatusStaging      = "STAGING"
	StatusRunning      = "RUNNING"
	StatusStopping     = "STOPPING"
	StatusTerminated   = "TERMINATED"

	StatusCreating  = "CREATING"
	StatusUploading = "UPLOADING"
	StatusPending   = "PENDING"
	StatusReady     = "READY"
	StatusFailed    = "FAILED"
	StatusDeleting  = "DELETING"
)

// Defaults
const (
	DefaultMachineType = "n1-standard-4"
	DiskTypeSSD        = "pd-ssd"
)

type Instance struct {
	Name       string
	Status     string
	NATIP      string
	InternalIP string
	Disks      []string
	Labels     map[string]string
}

type Disk struct {
	Name   string
	Status string
	SizeGB int64
	// Users are the instances the disk is attached to.
	Users  []string
	Labels map[string]string
}

type Snapshot struct {
	Name       string
	Status     string
	DiskSizeGB int64
	Labels     map[string]string
}

type Image struct {
	Name       string
	Status     string
	DiskSizeGB int64
	Labels     map[string]string
}

// AttachedDisk is an existing disk attached to a new instance.
type AttachedDisk struct {
	Name       string
	AutoDelete bool
}

type InstanceInput struct {
	Name string
	// Image is the boot image. ImageProject defaults to the service project.
	Image        string
	ImageProject string
	MachineType  string
	Disks        []AttachedDisk
	Metadata     []userdata.MetadataItem
	// DeleteBoot deletes the boot disk with the instance.
	DeleteBoot bool
	Labels     map[string]string
}

type DiskInput struct {
	Name           string
	SizeGB         int64
	SourceSnapshot string
	Type           string
	Labels         map[string]string
}

// Service is the set of Compute Engine operations the workflows use.
// Mutating calls return once the provider operation is done.
type Service interface {
	Project() string

	RunInstance(ctx context.Context, zone string, in InstanceInput) error
	GetInstance(ctx context.Context, zone, name string) (*Instance, error)
	DeleteInstance(ctx context.Context, zone, name string) error
	ListInstances(ctx context.Context, zone string, labels map[string]string) ([]*Instance, error)
	GetSerialPortOutput(ctx context.Context, zone, name string) (string, error)

	CreateDisk(ctx context.Context, zone string, in DiskInput) error
	GetDisk(ctx context.Context, zone, name string) (*Disk, error)
	DeleteDisk(ctx context.Context, zone, name string) error
	ListDisks(ctx context.Context, zone string, labels map[string]string) ([]*Disk, error)

	CreateSnapshot(ctx context.Context, zone, disk, name string, labels map[string]string) error
	GetSnapshot(ctx context.Context, name string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, name string) error
	ListSnapshots(ctx context.Context, labels map[string]string) ([]*Snapshot, error)

	CreateImageFromDisk(ctx context.Context, zone, name, disk string, labels map[string]string) error
	// GetImage looks up an image in project, or in the service project
	// when project is empty.
	GetImage(ctx context.Context, project, name string) (*Image, error)
	DeleteImage(ctx context.Context, name string) error
	ListImages(ctx context.Context, labels map[string]string) ([]*Image, error)
}

// IsNotFound reports whether err is a Compute Engine 404.
func IsNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// NotFound returns the error Compute Engine reports for a missing resource.
func NotFound(kind, name string) error {
	return &googleapi.Error{
		Code:    http.StatusNotFound,
		Message: "The resource '" + kind + "/" + name + "' was not found",
	}
}
