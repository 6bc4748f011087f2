package naming

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/fly-io/brkt/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestAppendSuffix(t *testing.T) {
	tests := []struct {
		name      string
		base      string
		suffix    string
		maxLength int
		want      string
	}{
		{"fits", "ubuntu", " (encrypted 1)", 128, "ubuntu (encrypted 1)"},
		{"no limit", "ubuntu", "-x", 0, "ubuntu-x"},
		{"no suffix", "ubuntu", "", 3, "ubuntu"},
		{"truncates base", "abcdefghij", "-xyz", 8, "abcd-xyz"},
		{"suffix longer than limit", "abc", "-toolong", 4, "-toolong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AppendSuffix(tt.base, tt.suffix, tt.maxLength))
		})
	}
}

func TestAppendSuffix_NeverExceedsLimit(t *testing.T) {
	suffix := EncryptedSuffix("0123abcd")
	for n := 0; n <= 300; n += 7 {
		base := strings.Repeat("n", n)
		got := AppendSuffix(base, suffix, ImageNameMaxLength)
		assert.LessOrEqual(t, len(got), ImageNameMaxLength)
		assert.True(t, strings.HasSuffix(got, suffix))
	}
}

func TestAppendSuffix_CutsOnRuneBoundary(t *testing.T) {
	// each rune is three bytes
	base := strings.Repeat("日", 10)
	got := AppendSuffix(base, "-x", 9)
	assert.Equal(t, "日日-x", got)

	suffix := EncryptedSuffix("0123abcd")
	long := strings.Repeat("é", 200)
	for _, limit := range []int{ImageNameMaxLength, DescriptionMaxLength} {
		got := AppendSuffix(long, suffix, limit)
		assert.True(t, utf8.ValidString(got), got)
		assert.LessOrEqual(t, len(got), limit)
		assert.True(t, strings.HasSuffix(got, suffix))
	}
}

func TestEncryptedImageName(t *testing.T) {
	assert.Equal(t, "centos 7 (encrypted 1234abcd)", EncryptedImageName("centos 7", "1234abcd"))
	assert.Equal(t, "centos 7 (encrypted 1234abcd)", EncryptedImageName("centos 7 (encrypted 99999999)", "1234abcd"),
		"an existing suffix is replaced, not stacked")

	long := EncryptedImageName(strings.Repeat("a", 200), "1234abcd")
	assert.Len(t, long, ImageNameMaxLength)
	assert.NoError(t, ValidateImageName(long))
}

func TestDescription(t *testing.T) {
	assert.Equal(t, "Based on ami-1, encrypted by Bracket Computing", Description("", "ami-1"))
	assert.Equal(t, "web - based on ami-1, encrypted by Bracket Computing", Description("web", "ami-1"))
	assert.Len(t, Description(strings.Repeat("d", 300), "ami-1"), DescriptionMaxLength)
}

func TestValidateImageName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "my image (encrypted 1234abcd)", false},
		{"punctuation", "a[b]./-'@_", false},
		{"too short", "ab", true},
		{"too long", strings.Repeat("x", 129), true},
		{"bad char", "image#1", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateImageName(tt.input)
			if tt.wantErr {
				assert.True(t, errors.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGCEImageName(t *testing.T) {
	assert.Equal(t, "debian-9-encrypted-1234abcd", GCEImageName("debian-9", "1234abcd"))
	assert.Equal(t, "debian-9-encrypted-1234abcd", GCEImageName("debian-9-encrypted-99999999", "1234abcd"))

	long := GCEImageName(strings.Repeat("d", 100), "1234abcd")
	assert.Len(t, long, GCENameMaxLength)
	assert.NoError(t, ValidateGCEName(long))
}

func TestValidateGCEName(t *testing.T) {
	assert.NoError(t, ValidateGCEName("brkt-guest-1234abcd"))
	assert.Error(t, ValidateGCEName("Upper"))
	assert.Error(t, ValidateGCEName("1starts-with-digit"))
	assert.Error(t, ValidateGCEName("ends-with-dash-"))
	assert.Error(t, ValidateGCEName(strings.Repeat("a", 64)))
}

func TestGCEResourceName(t *testing.T) {
	assert.Equal(t, "brkt-guest-1234abcd", GCEResourceName("brkt-guest", "1234abcd"))
	assert.Equal(t, "inst-encryptor", GCEResourceName("inst", "encryptor"))
	assert.Len(t, GCEResourceName(strings.Repeat("p", 80), "metavisor"), GCENameMaxLength)
}
