package workflow

import (
	"context"
	"testing"

	"github.com/fly-io/brkt/pkg/aws"
	"github.com/fly-io/brkt/pkg/aws/awstest"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) encryptedGuestImage() *aws.Image {
	return f.guestImage(func(i *aws.Image) {
		i.Name = "centos 7 (encrypted 0badf00d)"
		i.Description = "CentOS 7 base - based on ami-0000000a, encrypted by Bracket Computing"
		i.Tags = map[string]string{
			session.TagEncryptor:      "True",
			session.TagSessionID:      "0badf00d",
			session.TagEncryptorImage: "ami-00000001",
		}
		i.BlockDevices = []aws.BlockDevice{
			{DeviceName: DeviceUpdateAgentRoot, Size: 2, VolumeType: "gp2", DeleteOnTermination: true},
			{DeviceName: DeviceUpdateGuestRoot, Size: 20, VolumeType: "io1", Iops: 3000, DeleteOnTermination: true},
			{DeviceName: "/dev/sdb", VirtualName: "ephemeral0"},
		}
	})
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	guest := f.encryptedGuestImage()
	updater := f.encryptorImage()

	w := NewUpdate(f.cloud, guest.ID, updater.ID, f.opts)
	id, err := w.Run(context.Background())
	require.NoError(t, err)

	img := f.cloud.Images[id]
	require.NotNil(t, img)
	assert.Equal(t, "centos 7 (encrypted "+w.Session().ID+")", img.Name)
	assert.Equal(t, guest.Description, img.Description)
	assert.Equal(t, updater.ID, img.Tags[session.TagEncryptorImage])

	devs := devices(img)
	assert.Equal(t, "io1", devs[DeviceUpdateGuestRoot].VolumeType)
	assert.EqualValues(t, 3000, devs[DeviceUpdateGuestRoot].Iops)
	assert.Equal(t, "gp2", devs[DeviceUpdateAgentRoot].VolumeType)
	assert.True(t, devs[DeviceUpdateAgentRoot].DeleteOnTermination)
	assert.Equal(t, "ephemeral0", devs["/dev/sdb"].VirtualName)

	assert.Equal(t, nameSystemRoot, f.cloud.Snapshots[devs[DeviceUpdateAgentRoot].SnapshotID].Tags[session.TagName])
	assert.Equal(t, nameEncryptedRoot, f.cloud.Snapshots[devs[DeviceUpdateGuestRoot].SnapshotID].Tags[session.TagName])

	assert.Equal(t, 2, f.cloud.CallCount("DetachVolume"))
	assert.Equal(t, 1, f.cloud.CallCount("AttachVolume"))

	f.allTerminated(t)
	assert.Empty(t, f.leftovers(w.Session(), id))
	assert.Empty(t, f.cloud.SecurityGroups)
}

func TestUpdate_DeletesOldRootBeforeAttaching(t *testing.T) {
	f := newFixture(t)
	guest := f.encryptedGuestImage()
	updater := f.encryptorImage()
	f.cloud.Fail("CreateImage", awstest.APIError("UnauthorizedOperation", "not allowed"))

	w := NewUpdate(f.cloud, guest.ID, updater.ID, f.opts)
	_, err := w.Run(context.Background())
	require.Error(t, err)

	calls := f.cloud.Calls()
	assert.Less(t, indexOf(calls, "DeleteVolume", false), indexOf(calls, "AttachVolume", false))
	assert.Equal(t, 1, f.cloud.CallCount("CreateImage"))

	f.allTerminated(t)
	assert.Empty(t, f.leftovers(w.Session(), ""))
}

func TestUpdate_RejectsUnencryptedGuest(t *testing.T) {
	f := newFixture(t)
	guest := f.guestImage(nil)
	updater := f.encryptorImage()

	_, err := NewUpdate(f.cloud, guest.ID, updater.ID, f.opts).Run(context.Background())
	assert.True(t, errors.IsValidation(err), "got %v", err)
	assert.Zero(t, f.cloud.CallCount("RunInstance"))
}

func TestUpdate_RetriesLaunchUntilGroupVisible(t *testing.T) {
	f := newFixture(t)
	guest := f.encryptedGuestImage()
	updater := f.encryptorImage()
	// the guest launch goes through, the updater launch sees a stale view
	f.cloud.Fail("RunInstance", nil, awstest.APIError("InvalidGroup.NotFound", "The security group does not exist"))

	w := NewUpdate(f.cloud, guest.ID, updater.ID, f.opts)
	_, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, f.cloud.CallCount("RunInstance"))
}

func TestUpdate_RetriesCreateImage(t *testing.T) {
	f := newFixture(t)
	guest := f.encryptedGuestImage()
	updater := f.encryptorImage()
	f.cloud.Fail("CreateImage",
		awstest.APIError("InvalidParameterValue", "instance is not ready"),
		awstest.APIError("InvalidParameterValue", "instance is not ready"),
	)

	_, err := NewUpdate(f.cloud, guest.ID, updater.ID, f.opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, f.cloud.CallCount("CreateImage"))
}

func TestUpdate_FailureStopsUpdaterBeforeReadingConsole(t *testing.T) {
	f := newFixture(t)
	guest := f.encryptedGuestImage()
	updater := f.encryptorImage()
	f.cloud.ConsoleOutput = "updater: no space left on device"
	f.agent.encryptionErr = errors.EncryptionFailed("")

	w := NewUpdate(f.cloud, guest.ID, updater.ID, f.opts)
	_, err := w.Run(context.Background())

	var encErr *errors.EncryptionError
	require.True(t, errors.As(err, &encErr), "got %v", err)
	assert.NotEmpty(t, encErr.ConsoleOutputFile)

	calls := f.cloud.Calls()
	assert.Less(t, indexOf(calls, "StopInstance", true), indexOf(calls, "GetConsoleOutput", false))
	assert.Zero(t, f.cloud.CallCount("CreateImage"))

	f.allTerminated(t)
	assert.Empty(t, f.leftovers(w.Session(), ""))
	assert.Empty(t, f.cloud.SecurityGroups)
}

func TestUpdate_UserData(t *testing.T) {
	f := newFixture(t)
	guest := f.encryptedGuestImage()
	updater := f.encryptorImage()
	f.opts.StatusPort = 8001

	w := NewUpdate(f.cloud, guest.ID, updater.ID, f.opts)
	_, err := w.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.agents, 1)
	assert.Equal(t, 8001, f.agents[0].port)
	assert.Equal(t, 1, f.cloud.CallCount("AddSecurityGroupRule"))
}
