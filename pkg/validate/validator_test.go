package validate

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

func guest(mutate func(*aws.Image)) *aws.Image {
	img := &aws.Image{
		Name:           "centos",
		RootDeviceName: "/dev/sda1",
		RootDeviceType: "ebs",
		Hypervisor:     "xen",
		BlockDevices:   []aws.BlockDevice{{DeviceName: "/dev/sda1", Size: 8}},
	}
	if mutate != nil {
		mutate(img)
	}
	return img
}

func TestGuestImage(t *testing.T) {
	tests := []struct {
		name    string
		image   *aws.Image
		wantErr bool
	}{
		{"valid", guest(nil), false},
		{"windows", guest(func(i *aws.Image) { i.Platform = "windows" }), true},
		{"instance store", guest(func(i *aws.Image) { i.RootDeviceType = "instance-store" }), true},
		{"hvm hypervisor", guest(func(i *aws.Image) { i.Hypervisor = "ovm" }), true},
		{"already encrypted", guest(func(i *aws.Image) { i.Tags = map[string]string{session.TagEncryptor: "True"} }), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cloud := awstest.New()
			img := cloud.AddImage(tt.image)
			v := NewValidator(cloud, nil)

			got, err := v.GuestImage(context.Background(), img.ID)
			if tt.wantErr {
				assert.True(t, errors.IsValidation(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, img.ID, got.ID)
		})
	}
}

func TestGuestImage_Missing(t *testing.T) {
	v := NewValidator(awstest.New(), nil)
	_, err := v.GuestImage(context.Background(), "ami-00000000")
	assert.True(t, errors.IsValidation(err))
}

func TestGuestImage_ProviderFault(t *testing.T) {
	cloud := awstest.New()
	cloud.Fail("GetImage", awstest.APIError("RequestLimitExceeded", "slow down"))
	v := NewValidator(cloud, nil)

	_, err := v.GuestImage(context.Background(), "ami-00000000")
	require.Error(t, err)
	assert.False(t, errors.IsValidation(err), "provider faults are not caller errors")
}

func TestEncryptedGuestImage(t *testing.T) {
	cloud := awstest.New()
	full := cloud.AddImage(guest(func(i *aws.Image) {
		i.Tags = map[string]string{
			session.TagEncryptor:      "True",
			session.TagSessionID:      "abc",
			session.TagEncryptorImage: "ami-enc",
		}
	}))
	partial := cloud.AddImage(guest(func(i *aws.Image) {
		i.Tags = map[string]string{session.TagEncryptor: "True"}
	}))
	v := NewValidator(cloud, nil)

	_, err := v.EncryptedGuestImage(context.Background(), full.ID)
	require.NoError(t, err)

	_, err = v.EncryptedGuestImage(context.Background(), partial.ID)
	require.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), session.TagSessionID)
}

func TestEncryptorImage(t *testing.T) {
	cloud := awstest.New()
	enc := cloud.AddImage(&aws.Image{Name: "brkt-avatar-2026"})
	other := cloud.AddImage(&aws.Image{Name: "ubuntu"})
	v := NewValidator(cloud, nil)

	_, err := v.EncryptorImage(context.Background(), enc.ID)
	assert.NoError(t, err)
	_, err = v.EncryptorImage(context.Background(), other.ID)
	assert.True(t, errors.IsValidation(err))
}

func TestImageName(t *testing.T) {
	cloud := awstest.New()
	cloud.AddImage(&aws.Image{Name: "taken (encrypted 1234abcd)"})
	v := NewValidator(cloud, nil)

	assert.NoError(t, v.ImageName(context.Background(), "free (encrypted 1234abcd)"))
	assert.True(t, errors.IsValidation(v.ImageName(context.Background(), "taken (encrypted 1234abcd)")))
	assert.True(t, errors.IsValidation(v.ImageName(context.Background(), "no#hash")))
}

func TestTags(t *testing.T) {
	tags, err := Tags([]string{"team=storage", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"team": "storage", "empty": ""}, tags)

	_, err = Tags([]string{"novalue"})
	assert.True(t, errors.IsValidation(err))
	_, err = Tags([]string{"=x"})
	assert.True(t, errors.IsValidation(err))
}
