// Package workflow drives the EC2 encrypt and update workflows. Each run is
// a fixed sequence of steps against an aws.Service; every resource a step
// creates is recorded with a tracker.Tracker, which tears the session down
// when the run ends, successfully or not.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fly-io/brkt/pkg/agent"
	"github.com/fly-io/brkt/pkg/aws"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/session"
	"github.com/fly-io/brkt/pkg/tracker"
	"github.com/fly-io/brkt/pkg/userdata"
	"github.com/fly-io/brkt/pkg/wait"
	"k8s.io/utils/clock"
)

const (
	instancePollInterval = 2 * time.Second
	volumePollInterval   = 2 * time.Second
	snapshotInitialDelay = 20 * time.Second
	snapshotPollInterval = 5 * time.Second
	imagePollInterval    = 5 * time.Second
	progressLogInterval  = 60 * time.Second

	createImageRetries = 20
	anyAddress         = "0.0.0.0/0"
)

// Agent is the view of the encryption agent a workflow needs.
type Agent interface {
	WaitUntilUp(ctx context.Context, timeout time.Duration) error
	WaitForEncryption(ctx context.Context, progressTimeout time.Duration) error
}

// AgentFactory returns an Agent for the candidate hosts of a helper
// instance.
type AgentFactory func(hosts []string, port int) Agent

// Options are the knobs shared by both workflows. Zero values take the
// defaults below.
type Options struct {
	SubnetID         string
	SecurityGroupIDs []string
	// ImageName overrides the derived name of the new image.
	ImageName string
	// ImageTags are added to the new image next to the session tags.
	ImageTags map[string]string

	InstanceType          string
	EncryptorInstanceType string
	StatusPort            int
	NTPServers            []string
	Environment           *userdata.Environment

	AgentUpTimeout  time.Duration
	ProgressTimeout time.Duration
	InstanceTimeout time.Duration
	SnapshotTimeout time.Duration
	ImageTimeout    time.Duration
	// CleanupTimeout bounds compensation once the run's context is gone.
	CleanupTimeout time.Duration

	// ConsoleOutputDir receives helper console output when encryption
	// fails. Empty means the system temp directory.
	ConsoleOutputDir string

	NewAgent AgentFactory
	Clock    clock.Clock
	Logger   *slog.Logger
	Retrier  aws.Retrier
	// Tracker is created per run when nil.
	Tracker *tracker.Tracker
}

// Defaults
const (
	DefaultInstanceType          = "m4.large"
	DefaultEncryptorInstanceType = "c4.xlarge"
	DefaultAgentUpTimeout        = 10 * time.Minute
	DefaultProgressTimeout       = 10 * time.Minute
	DefaultInstanceTimeout       = 5 * time.Minute
	DefaultSnapshotTimeout       = time.Hour
	DefaultImageTimeout          = 15 * time.Minute
)

func (o *Options) setDefaults() {
	if o.InstanceType == "" {
		o.InstanceType = DefaultInstanceType
	}
	if o.EncryptorInstanceType == "" {
		o.EncryptorInstanceType = DefaultEncryptorInstanceType
	}
	if o.StatusPort == 0 {
		o.StatusPort = agent.DefaultPort
	}
	if o.AgentUpTimeout == 0 {
		o.AgentUpTimeout = DefaultAgentUpTimeout
	}
	if o.ProgressTimeout == 0 {
		o.ProgressTimeout = DefaultProgressTimeout
	}
	if o.InstanceTimeout == 0 {
		o.InstanceTimeout = DefaultInstanceTimeout
	}
	if o.SnapshotTimeout == 0 {
		o.SnapshotTimeout = DefaultSnapshotTimeout
	}
	if o.ImageTimeout == 0 {
		o.ImageTimeout = DefaultImageTimeout
	}
	if o.CleanupTimeout == 0 {
		o.CleanupTimeout = tracker.DefaultCleanupTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Retrier.Logger == nil {
		o.Retrier.Logger = o.Logger
	}
	if o.NewAgent == nil {
		clk, log := o.Clock, o.Logger
		o.NewAgent = func(hosts []string, port int) Agent {
			return agent.New(hosts, agent.WithPort(port), agent.WithClock(clk), agent.WithLogger(log))
		}
	}
}

// Step is one named stage of a workflow.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunSteps runs steps in order and stops at the first failure, which is
// returned wrapped with the step name.
func RunSteps(ctx context.Context, log *slog.Logger, clk clock.PassiveClock, steps []Step) error {
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "interrupted before %s", s.Name)
		}

		log.Info("step_start", "step", s.Name)
		start := clk.Now()
		if err := s.Run(ctx); err != nil {
			log.Error("step_failed", "step", s.Name, "error", err)
			return errors.Wrap(err, s.Name)
		}
		log.Debug("step_complete", "step", s.Name, "elapsed", clk.Since(start))
	}
	return nil
}

// base holds the state and helpers shared by the workflows.
type base struct {
	svc     aws.Service
	session *session.Session
	tracker *tracker.Tracker
	opts    Options
	clock   clock.Clock
	log     *slog.Logger
}

func newBase(svc aws.Service, encryptorImageID string, opts Options) base {
	opts.setDefaults()

	tr := opts.Tracker
	if tr == nil {
		tr = tracker.New(svc, session.New(encryptorImageID),
			tracker.WithClock(opts.Clock),
			tracker.WithLogger(opts.Logger),
			tracker.WithRetrier(opts.Retrier),
			tracker.WithCleanupTimeout(opts.CleanupTimeout),
		)
	}
	sess := tr.Session()

	return base{
		svc:     svc,
		session: sess,
		tracker: tr,
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger.With("session_id", sess.ID),
	}
}

// Session returns the session of the run.
func (b *base) Session() *session.Session { return b.session }

// Tracker returns the resource tracker of the run.
func (b *base) Tracker() *tracker.Tracker { return b.tracker }

func (b *base) runSteps(ctx context.Context, steps []Step) error {
	return RunSteps(ctx, b.log, b.clock, steps)
}

// waitForInstance polls until the instance reaches state. An instance in
// the error state, or terminated while waiting for another state, fails
// the wait.
func (b *base) waitForInstance(ctx context.Context, id, state string) (*aws.Instance, error) {
	var inst *aws.Instance
	what := fmt.Sprintf("instance %s to be %s", id, state)

	err := wait.Until(ctx, b.clock, what, b.opts.InstanceTimeout, instancePollInterval, func(ctx context.Context) (bool, error) {
		i, err := b.svc.GetInstance(ctx, id)
		if aws.IsNotFound(err) {
			// not visible yet
			return false, nil
		}
		if err != nil {
			return false, err
		}
		inst = i
		b.log.Debug("instance_state", "instance_id", id, "state", i.State, "want", state)

		switch {
		case i.State == state:
			return true, nil
		case i.State == aws.InstanceStateError:
			return false, errors.Instancef(id, "instance %s entered the error state", id)
		case i.State == aws.InstanceStateTerminated:
			return false, errors.Instancef(id, "instance %s was unexpectedly terminated", id)
		}
		return false, nil
	})
	if errors.IsTimeout(err) {
		return nil, errors.InstanceWrapf(err, id, "instance %s did not become %s", id, state)
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (b *base) stopAndWait(ctx context.Context, id string) (*aws.Instance, error) {
	b.log.Info("stopping_instance", "instance_id", id)
	if err := b.svc.StopInstance(ctx, id); err != nil {
		return nil, err
	}
	return b.waitForInstance(ctx, id, aws.InstanceStateStopped)
}

// terminateAndWait terminates a helper the workflow no longer needs and
// drops it from the tracker once it is gone.
func (b *base) terminateAndWait(ctx context.Context, id string) error {
	b.log.Info("terminating_instance", "instance_id", id)
	if err := b.svc.TerminateInstance(ctx, id); err != nil {
		return err
	}
	if _, err := b.waitForInstance(ctx, id, aws.InstanceStateTerminated); err != nil {
		return err
	}
	b.tracker.Forget(tracker.Instance, id)
	return nil
}

// waitForSnapshots waits until every snapshot is completed. Any snapshot in
// the error state aborts the wait right away, without waiting for the rest
// of the batch.
func (b *base) waitForSnapshots(ctx context.Context, ids ...string) error {
	b.log.Info("waiting_for_snapshots", "snapshot_ids", ids)
	// Newly created snapshots are not always visible right away.
	b.clock.Sleep(snapshotInitialDelay)

	lastLog := b.clock.Now()
	what := "snapshots " + strings.Join(ids, ", ")
	return wait.Until(ctx, b.clock, what, b.opts.SnapshotTimeout, snapshotPollInterval, func(ctx context.Context) (bool, error) {
		snaps, err := b.svc.GetSnapshots(ctx, ids...)
		if aws.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		var failed, progress []string
		done := true
		for _, s := range snaps {
			switch s.State {
			case aws.SnapshotStateError:
				failed = append(failed, s.ID)
			case aws.SnapshotStateCompleted:
			default:
				done = false
			}
			progress = append(progress, s.ID+"="+s.Progress)
		}
		if len(failed) > 0 {
			return false, errors.NewSnapshotError(failed...)
		}
		if !done && b.clock.Since(lastLog) >= progressLogInterval {
			b.log.Info("snapshot_progress", "progress", strings.Join(progress, " "))
			lastLog = b.clock.Now()
		}
		return done, nil
	})
}

// waitForImage waits until the image is available. NotFound is expected
// right after registration.
func (b *base) waitForImage(ctx context.Context, id string) (*aws.Image, error) {
	var img *aws.Image
	err := wait.Until(ctx, b.clock, "image "+id+" to be available", b.opts.ImageTimeout, imagePollInterval, func(ctx context.Context) (bool, error) {
		i, err := b.svc.GetImage(ctx, id)
		if aws.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		img = i
		switch i.State {
		case aws.ImageStateAvailable:
			return true, nil
		case aws.ImageStateFailed:
			return false, errors.Errorf("image %s failed", id)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	b.log.Info("image_available", "image_id", id)
	return img, nil
}

// waitForVolume polls until cond holds for the volume.
func (b *base) waitForVolume(ctx context.Context, id, what string, cond func(*aws.Volume) bool) error {
	return wait.Until(ctx, b.clock, "volume "+id+" "+what, b.opts.InstanceTimeout, volumePollInterval, func(ctx context.Context) (bool, error) {
		vol, err := b.svc.GetVolume(ctx, id)
		if err != nil {
			return false, err
		}
		if vol.State == aws.VolumeStateError {
			return false, errors.Errorf("volume %s entered the error state", id)
		}
		return cond(vol), nil
	})
}

// securityGroups returns the caller's security groups, or creates a
// temporary one that opens the status port. created reports whether the
// group is new and may not be visible yet.
func (b *base) securityGroups(ctx context.Context) (ids []string, created bool, err error) {
	if len(b.opts.SecurityGroupIDs) > 0 {
		return b.opts.SecurityGroupIDs, false, nil
	}

	vpcID := ""
	if b.opts.SubnetID != "" {
		if vpcID, err = b.svc.GetSubnetVPC(ctx, b.opts.SubnetID); err != nil {
			return nil, false, err
		}
	}

	name := "Bracket Encryptor " + b.session.ID
	id, err := b.svc.CreateSecurityGroup(ctx, name, "Allows access to the encryption service.", vpcID, b.session.Tags(name, ""))
	if err != nil {
		return nil, false, err
	}
	b.tracker.Track(tracker.SecurityGroup, id)
	b.log.Info("security_group_created", "group_id", id, "vpc_id", vpcID)

	err = b.opts.Retrier.Do(ctx, aws.DefaultRetries, func() error {
		return b.svc.AddSecurityGroupRule(ctx, id, int32(b.opts.StatusPort), anyAddress)
	}, aws.RetryGroupNotFound)
	if err != nil {
		return nil, false, err
	}
	return []string{id}, true, nil
}

// runInstance launches and tracks an instance. Launches that reference a
// freshly created security group are retried while EC2 does not see the
// group yet.
func (b *base) runInstance(ctx context.Context, in aws.RunInstanceInput, newGroup bool) (*aws.Instance, error) {
	var inst *aws.Instance
	launch := func() error {
		i, err := b.svc.RunInstance(ctx, in)
		inst = i
		return err
	}

	var err error
	if newGroup {
		err = b.opts.Retrier.Do(ctx, aws.DefaultRetries, launch, aws.RetryGroupNotFound)
	} else {
		err = launch()
	}
	if err != nil {
		return nil, err
	}

	b.tracker.Track(tracker.Instance, inst.ID)
	b.log.Info("instance_launched", "instance_id", inst.ID, "image_id", in.ImageID, "name", in.Tags[session.TagName])
	return inst, nil
}

func hosts(inst *aws.Instance) []string {
	var h []string
	if inst.PublicIP != "" {
		h = append(h, inst.PublicIP)
	}
	if inst.PrivateIP != "" {
		h = append(h, inst.PrivateIP)
	}
	return h
}

// waitForAgent waits for the agent on inst to come up and finish. Failures
// are reported as EncryptionErrors carrying the saved console output.
// stopFirst stops the instance before reading the console, which makes the
// complete log available.
func (b *base) waitForAgent(ctx context.Context, inst *aws.Instance, stopFirst bool) error {
	a := b.opts.NewAgent(hosts(inst), b.opts.StatusPort)
	b.log.Info("waiting_for_agent", "instance_id", inst.ID, "hosts", hosts(inst), "port", b.opts.StatusPort)

	err := a.WaitUntilUp(ctx, b.opts.AgentUpTimeout)
	if err != nil {
		err = errors.Encryptionf(err, "unable to connect to the encryption service on %s: %v", inst.ID, err)
	} else {
		err = a.WaitForEncryption(ctx, b.opts.ProgressTimeout)
	}
	if err == nil {
		return nil
	}

	b.log.Error("encryption_failed", "instance_id", inst.ID, "error", err)
	if ctx.Err() != nil {
		return err
	}
	if stopFirst {
		if _, serr := b.stopAndWait(ctx, inst.ID); serr != nil {
			b.log.Warn("stop_for_console_output_failed", "instance_id", inst.ID, "error", serr)
		}
	}
	return b.saveConsoleOutput(ctx, inst.ID, err)
}

// saveConsoleOutput fetches the console output of the instance and
// records it with RecordConsoleOutput.
func (b *base) saveConsoleOutput(ctx context.Context, instanceID string, err error) error {
	out, cerr := b.svc.GetConsoleOutput(ctx, instanceID)
	if cerr != nil || out == "" {
		b.log.Error("console_output_unavailable", "instance_id", instanceID, "error", cerr)
		return err
	}
	return RecordConsoleOutput(b.log, b.opts.ConsoleOutputDir, instanceID, out, err)
}

// RecordConsoleOutput writes the console output of a helper instance to a
// file in dir and records the path on the EncryptionError in err. It
// returns err.
func RecordConsoleOutput(log *slog.Logger, dir, instance, output string, err error) error {
	f, ferr := os.CreateTemp(dir, instance+"-*.log")
	if ferr != nil {
		log.Error("console_output_write_failed", "instance", instance, "error", ferr)
		return err
	}
	defer f.Close()

	if _, werr := f.WriteString(output); werr != nil {
		log.Error("console_output_write_failed", "instance", instance, "error", werr)
		return err
	}

	var encErr *errors.EncryptionError
	if errors.As(err, &encErr) {
		encErr.ConsoleOutputFile = f.Name()
	}
	log.Error("console_output_saved", "instance", instance, "path", f.Name())
	return err
}

// imageTags returns the tags of a new image.
func (b *base) imageTags() map[string]string {
	tags := b.session.DefaultTags()
	for k, v := range b.opts.ImageTags {
		tags[k] = v
	}
	return tags
}

// tagWithRetry tags a resource that may not be visible yet.
func (b *base) tagWithRetry(ctx context.Context, id string, tags map[string]string) error {
	return b.opts.Retrier.Do(ctx, aws.DefaultRetries, func() error {
		return b.svc.CreateTags(ctx, id, tags)
	}, aws.RetryNotFound)
}
