// Package validate runs the pre-flight checks on caller input. Every
// rejection is a ValidationError and happens before any resource exists.
package validate

import (
	"context"
	"log/slog"
	"strings"

	"github.com/fly-io/brkt/pkg/aws"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/naming"
	"github.com/fly-io/brkt/pkg/session"
)

// EncryptorMarker must appear in the name of every encryptor image.
const EncryptorMarker = "brkt-avatar"

const platformWindows = "windows"

// Validator checks images against the EC2 API
type Validator struct {
	svc aws.Service
	log *slog.Logger
}

// NewValidator creates a validator backed by svc
func NewValidator(svc aws.Service, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{svc: svc, log: log}
}

func (v *Validator) reject(reason, id string, format string, args ...any) error {
	v.log.Error("validation_failed", "reason", reason, "id", id)
	return errors.Validationf(format, args...)
}

func (v *Validator) image(ctx context.Context, id, what string) (*aws.Image, error) {
	img, err := v.svc.GetImage(ctx, id)
	if aws.IsNotFound(err) {
		return nil, v.reject("image_not_found", id, "%s image %s does not exist", what, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up %s image %s", what, id)
	}
	return img, nil
}

func (v *Validator) checkGuest(id string, img *aws.Image) error {
	// EC2 only reports "windows" or nothing for the platform
	if strings.EqualFold(img.Platform, platformWindows) {
		return v.reject("unsupported_platform", id, "%s is not a supported platform for %s", platformWindows, id)
	}
	if img.RootDeviceType != "" && img.RootDeviceType != "ebs" {
		return v.reject("not_ebs", id, "%s does not use EBS storage", id)
	}
	if img.Hypervisor != "" && img.Hypervisor != "xen" {
		return v.reject("unsupported_hypervisor", id, "%s uses hypervisor %s, only xen is supported", id, img.Hypervisor)
	}
	return nil
}

// GuestImage checks that an unencrypted guest image can be encrypted. It
// returns the image on success.
func (v *Validator) GuestImage(ctx context.Context, id string) (*aws.Image, error) {
	img, err := v.image(ctx, id, "guest")
	if err != nil {
		return nil, err
	}
	if err := v.checkGuest(id, img); err != nil {
		return nil, err
	}
	if _, ok := img.Tags[session.TagEncryptor]; ok {
		return nil, v.reject("already_encrypted", id, "%s is already an encrypted image", id)
	}

	v.log.Debug("guest_image_validated", "image_id", id, "name", img.Name)
	return img, nil
}

// EncryptedGuestImage checks that a guest image was produced by an earlier
// encryption and can be updated.
func (v *Validator) EncryptedGuestImage(ctx context.Context, id string) (*aws.Image, error) {
	img, err := v.image(ctx, id, "encrypted guest")
	if err != nil {
		return nil, err
	}
	if err := v.checkGuest(id, img); err != nil {
		return nil, err
	}

	var missing []string
	for _, tag := range []string{session.TagEncryptor, session.TagSessionID, session.TagEncryptorImage} {
		if _, ok := img.Tags[tag]; !ok {
			missing = append(missing, tag)
		}
	}
	if len(missing) > 0 {
		return nil, v.reject("not_encrypted", id, "%s is missing tags %s", id, strings.Join(missing, ", "))
	}

	v.log.Debug("encrypted_guest_image_validated", "image_id", id, "name", img.Name)
	return img, nil
}

// EncryptorImage checks that id is an encryptor image.
func (v *Validator) EncryptorImage(ctx context.Context, id string) (*aws.Image, error) {
	img, err := v.image(ctx, id, "encryptor")
	if err != nil {
		return nil, err
	}
	if !strings.Contains(img.Name, EncryptorMarker) {
		return nil, v.reject("not_encryptor", id, "%s (%s) is not a Bracket Encryptor image", id, img.Name)
	}

	v.log.Debug("encryptor_image_validated", "image_id", id, "name", img.Name)
	return img, nil
}

// ImageName checks the syntax of a new image name and that none of the
// caller's own images already uses it.
func (v *Validator) ImageName(ctx context.Context, name string) error {
	if err := naming.ValidateImageName(name); err != nil {
		v.log.Error("validation_failed", "reason", "bad_image_name", "name", name)
		return err
	}

	images, err := v.svc.FindOwnImagesByName(ctx, name)
	if err != nil {
		return errors.Wrap(err, "failed to check image name")
	}
	if len(images) > 0 {
		return v.reject("name_in_use", images[0].ID, "you already own image %s named %s", images[0].ID, name)
	}
	return nil
}

// Tags parses KEY=VALUE pairs.
func Tags(pairs []string) (map[string]string, error) {
	tags := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, errors.Validationf("tag %s is not in the format KEY=VALUE", p)
		}
		tags[key] = value
	}
	return tags, nil
}
