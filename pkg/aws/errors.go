package aws

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/fly-io/brkt/pkg/errors"
)

// Error codes the workflows react to.
var (
	RetryGroupNotFound       = regexp.MustCompile(`InvalidGroup\.NotFound`)
	RetryVolumeInUse         = regexp.MustCompile(`VolumeInUse`)
	RetryInvalidParameter    = regexp.MustCompile(`InvalidParameterValue`)
	RetryNotFound            = regexp.MustCompile(`\.NotFound$`)
	RetryRequestLimit        = regexp.MustCompile(`RequestLimitExceeded`)
	RetryDependencyViolation = regexp.MustCompile(`DependencyViolation`)

	imageIDInErrorMessage  = regexp.MustCompile(`ami-[a-f0-9]{8,17}`)
	codeInvalidAMINotFound = "InvalidAMIID.NotFound"
)

// ErrorCode returns the provider error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsNotFound reports whether err is a provider "not found" fault, such as
// InvalidInstanceID.NotFound or InvalidSnapshot.NotFound.
func IsNotFound(err error) bool {
	code := ErrorCode(err)
	return code != "" && strings.HasSuffix(code, "NotFound")
}

// RecoverImageID handles a provider race where RegisterImage succeeds but
// reports InvalidAMIID.NotFound for the image it just created. The new id is
// carried in the error message. It returns the id and true only for that
// case.
func RecoverImageID(err error) (string, bool) {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != codeInvalidAMINotFound {
		return "", false
	}
	id := imageIDInErrorMessage.FindString(apiErr.ErrorMessage())
	return id, id != ""
}

// Retrier retries provider calls that fail with matching error codes.
type Retrier struct {
	// BackOff returns a fresh policy per call. Nil means exponential backoff
	// starting at 250ms.
	BackOff func() backoff.BackOff
	// Logger receives retry notices. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultRetries is the retry budget used when none is given.
const DefaultRetries = 5

func (r Retrier) policy() backoff.BackOff {
	if r.BackOff != nil {
		return r.BackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// Do calls fn until it succeeds, fails with an error code not matching any
// of codes, or maxRetries retries have been made.
func (r Retrier) Do(ctx context.Context, maxRetries uint64, fn func() error, codes ...*regexp.Regexp) error {
	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		code := ErrorCode(err)
		for _, re := range codes {
			if code != "" && re.MatchString(code) {
				return err
			}
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(r.policy(), maxRetries), ctx)
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	notify := func(err error, d time.Duration) {
		log.Debug("provider_call_retry", "attempt", attempt, "code", ErrorCode(err), "delay", d)
	}
	return backoff.RetryNotify(op, policy, notify)
}

// Retry is Retrier{}.Do with the default budget.
func Retry(ctx context.Context, fn func() error, codes ...*regexp.Regexp) error {
	return Retrier{}.Do(ctx, DefaultRetries, fn, codes...)
}
