// Package naming derives names and descriptions for encrypted images.
package naming

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/fly-io/brkt/pkg/errors"
)

const (
	// ImageNameMaxLength is the EC2 image name limit.
	ImageNameMaxLength = 128
	// DescriptionMaxLength is the EC2 image description limit.
	DescriptionMaxLength = 255
	// GCENameMaxLength is the Compute Engine resource name limit.
	GCENameMaxLength = 63
)

var (
	encryptedSuffix    = regexp.MustCompile(`\s*\(encrypted [^)]*\)$`)
	gceEncryptedSuffix = regexp.MustCompile(`^(.+)-encrypted-`)
	imageNameChars     = regexp.MustCompile(`^[A-Za-z0-9()\[\] ./\-'@_]+$`)
	gceName            = regexp.MustCompile(`^[a-z]([-a-z0-9]*[a-z0-9])?$`)
)

// AppendSuffix appends suffix to name, truncating name so the result is at
// most maxLength characters. A maxLength of zero means no limit.
func AppendSuffix(name, suffix string, maxLength int) string {
	if suffix == "" {
		return name
	}
	if maxLength > 0 {
		room := maxLength - len(suffix)
		if room < 0 {
			room = 0
		}
		if len(name) > room {
			for room > 0 && !utf8.RuneStart(name[room]) {
				room--
			}
			name = name[:room]
		}
	}
	return name + suffix
}

// EncryptedSuffix returns the " (encrypted <nonce>)" suffix. The nonce keeps
// names unique per account.
func EncryptedSuffix(nonce string) string {
	return fmt.Sprintf(" (encrypted %s)", nonce)
}

// EncryptedImageName returns the name of the encrypted image derived from
// the guest image name. An existing encrypted suffix is replaced.
func EncryptedImageName(guestName, nonce string) string {
	base := encryptedSuffix.ReplaceAllString(guestName, "")
	return AppendSuffix(base, EncryptedSuffix(nonce), ImageNameMaxLength)
}

// Description returns the description of the encrypted image.
func Description(guestDescription, guestImageID string) string {
	if guestDescription == "" {
		return fmt.Sprintf("Based on %s, encrypted by Bracket Computing", guestImageID)
	}
	suffix := fmt.Sprintf(" - based on %s, encrypted by Bracket Computing", guestImageID)
	return AppendSuffix(guestDescription, suffix, DescriptionMaxLength)
}

// ValidateImageName checks an EC2 image name.
func ValidateImageName(name string) error {
	if len(name) < 3 || len(name) > ImageNameMaxLength {
		return errors.Validationf("image name must be between 3 and %d characters long", ImageNameMaxLength)
	}
	if !imageNameChars.MatchString(name) {
		return errors.Validationf("image name may only contain letters, numbers, spaces, and the following characters: ()[]./-'@_")
	}
	return nil
}

// GCEImageName returns the name of the encrypted GCE image. An existing
// "-encrypted-<nonce>" suffix is replaced.
func GCEImageName(guestName, nonce string) string {
	base := guestName
	if m := gceEncryptedSuffix.FindStringSubmatch(guestName); m != nil {
		base = m[1]
	}
	return AppendSuffix(base, "-encrypted-"+nonce, GCENameMaxLength)
}

// ValidateGCEName checks a Compute Engine resource name.
func ValidateGCEName(name string) error {
	if name == "" || len(name) > GCENameMaxLength {
		return errors.Validationf("image name must be between 1 and %d characters long", GCENameMaxLength)
	}
	if !gceName.MatchString(name) {
		return errors.Validationf("image name %q must start with a lowercase letter and contain only lowercase letters, digits and dashes", name)
	}
	return nil
}

// GCEResourceName joins parts into a Compute Engine name, truncating the
// prefix so the last part survives.
func GCEResourceName(prefix string, parts ...string) string {
	suffix := ""
	if len(parts) > 0 {
		suffix = "-" + strings.Join(parts, "-")
	}
	return strings.TrimRight(AppendSuffix(prefix, suffix, GCENameMaxLength), "-")
}
