// Package gceworkflow drives the Compute Engine encrypt and update
// workflows. Every resource a run creates carries the session labels, and a
// single gce.Cleanup over those labels compensates the run when it ends.
package gceworkflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/fly-io/brkt/pkg/agent"
	"github.com/fly-io/brkt/pkg/errors"
	"github.com/fly-io/brkt/pkg/gce"
	"github.com/fly-io/brkt/pkg/naming"
	"github.com/fly-io/brkt/pkg/session"
	"github.com/fly-io/brkt/pkg/userdata"
	"github.com/fly-io/brkt/pkg/wait"
	"github.com/fly-io/brkt/pkg/workflow"
	"k8s.io/utils/clock"
)

const (
	instancePollInterval = 2 * time.Second
	diskPollInterval     = 2 * time.Second
	imagePollInterval    = 5 * time.Second

	DefaultCleanupTimeout = 10 * time.Minute
)

// Options configure one GCE workflow run. Zero values take the defaults
// shared with the EC2 workflows.
type Options struct {
	Zone string
	// ImageName overrides the derived name of the new image.
	ImageName string
	// ImageProject holds the guest image. Empty means the service project.
	ImageProject string
	MachineType  string

	StatusPort  int
	NTPServers  []string
	Environment *userdata.Environment

	AgentUpTimeout  time.Duration
	ProgressTimeout time.Duration
	InstanceTimeout time.Duration
	SnapshotTimeout time.Duration
	ImageTimeout    time.Duration
	CleanupTimeout  time.Duration

	ConsoleOutputDir string

	NewAgent workflow.AgentFactory
	Clock    clock.Clock
	Logger   *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MachineType == "" {
		o.MachineType = gce.DefaultMachineType
	}
	if o.StatusPort == 0 {
		o.StatusPort = agent.DefaultPort
	}
	if o.AgentUpTimeout == 0 {
		o.AgentUpTimeout = workflow.DefaultAgentUpTimeout
	}
	if o.ProgressTimeout == 0 {
		o.ProgressTimeout = workflow.DefaultProgressTimeout
	}
	if o.InstanceTimeout == 0 {
		o.InstanceTimeout = workflow.DefaultInstanceTimeout
	}
	if o.SnapshotTimeout == 0 {
		o.SnapshotTimeout = workflow.DefaultSnapshotTimeout
	}
	if o.ImageTimeout == 0 {
		o.ImageTimeout = workflow.DefaultImageTimeout
	}
	if o.CleanupTimeout == 0 {
		o.CleanupTimeout = DefaultCleanupTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewAgent == nil {
		clk, log := o.Clock, o.Logger
		o.NewAgent = func(hosts []string, port int) workflow.Agent {
			return agent.New(hosts, agent.WithPort(port), agent.WithClock(clk), agent.WithLogger(log))
		}
	}
}

type base struct {
	svc     gce.Service
	session *session.Session
	labels  map[string]string
	opts    Options
	clock   clock.Clock
	log     *slog.Logger
}

func newBase(svc gce.Service, encryptorImage string, opts Options) base {
	opts.setDefaults()
	sess := session.New(encryptorImage)
	return base{
		svc:     svc,
		session: sess,
		labels:  sess.Labels(),
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger.With("session_id", sess.ID, "zone", opts.Zone),
	}
}

// Session returns the session of the run.
func (b *base) Session() *session.Session { return b.session }

// Labels returns the labels carried by every resource of the run.
func (b *base) Labels() map[string]string { return b.labels }

// run executes steps and then removes every labelled resource of the
// session except the image and snapshot named keep, which survive only when
// the steps succeeded. Cleanup faults are logged, never returned.
func (b *base) run(ctx context.Context, steps []workflow.Step, keep string) error {
	err := workflow.RunSteps(ctx, b.log, b.clock, steps)

	var kept []string
	if err == nil {
		kept = append(kept, keep)
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.CleanupTimeout)
	defer cancel()
	if cerr := gce.Cleanup(cctx, b.svc, b.opts.Zone, b.labels, b.log, kept...); cerr != nil {
		b.log.Warn("cleanup_incomplete", "error", cerr)
	}
	return err
}

// validateImageName checks the new image name and that neither an image
// nor a snapshot already uses it.
func (b *base) validateImageName(ctx context.Context, name string) error {
	if err := naming.ValidateGCEName(name); err != nil {
		return err
	}
	if _, err := b.svc.GetImage(ctx, "", name); err == nil {
		return errors.Validationf("an image named %s already exists", name)
	} else if !gce.IsNotFound(err) {
		return err
	}
	if _, err := b.svc.GetSnapshot(ctx, name); err == nil {
		return errors.Validationf("a snapshot named %s already exists", name)
	} else if !gce.IsNotFound(err) {
		return err
	}
	return nil
}

func (b *base) validateEncryptorImage(ctx context.Context, name string) error {
	_, err := b.svc.GetImage(ctx, "", name)
	if gce.IsNotFound(err) {
		return errors.Validationf("encryptor image %s does not exist", name)
	}
	return err
}

func (b *base) runInstance(ctx context.Context, in gce.InstanceInput) error {
	in.MachineType = b.opts.MachineType
	in.Labels = b.labels
	if err := b.svc.RunInstance(ctx, b.opts.Zone, in); err != nil {
		return err
	}
	b.log.Info("instance_launched", "instance", in.Name, "image", in.Image)
	return nil
}

// waitForInstance polls until the instance is running. An instance that
// stops or terminates on its own fails the wait.
func (b *base) waitForInstance(ctx context.Context, name string) (*gce.Instance, error) {
	var inst *gce.Instance
	err := wait.Until(ctx, b.clock, "instance "+name+" to be running", b.opts.InstanceTimeout, instancePollInterval, func(ctx context.Context) (bool, error) {
		i, err := b.svc.GetInstance(ctx, b.opts.Zone, name)
		if err != nil {
			return false, err
		}
		inst = i
		switch i.Status {
		case gce.StatusRunning:
			return true, nil
		case gce.StatusStopping, gce.StatusTerminated:
			return false, errors.Instancef(name, "instance %s is %s", name, i.Status)
		}
		return false, nil
	})
	if errors.IsTimeout(err) {
		return nil, errors.InstanceWrapf(err, name, "instance %s did not start", name)
	}
	return inst, err
}

func (b *base) deleteInstance(ctx context.Context, name string) error {
	b.log.Info("deleting_instance", "instance", name)
	return b.svc.DeleteInstance(ctx, b.opts.Zone, name)
}

// waitForDetach waits until no instance uses the disk.
func (b *base) waitForDetach(ctx context.Context, name string) (*gce.Disk, error) {
	var disk *gce.Disk
	err := wait.Until(ctx, b.clock, "disk "+name+" to be detached", b.opts.InstanceTimeout, diskPollInterval, func(ctx context.Context) (bool, error) {
		d, err := b.svc.GetDisk(ctx, b.opts.Zone, name)
		if err != nil {
			return false, err
		}
		disk = d
		return len(d.Users) == 0, nil
	})
	return disk, err
}

func (b *base) waitForDisk(ctx context.Context, name string) error {
	return wait.Until(ctx, b.clock, "disk "+name+" to be ready", b.opts.InstanceTimeout, diskPollInterval, func(ctx context.Context) (bool, error) {
		d, err := b.svc.GetDisk(ctx, b.opts.Zone, name)
		if err != nil {
			return false, err
		}
		if d.Status == gce.StatusFailed {
			return false, errors.Errorf("disk %s failed", name)
		}
		return d.Status == gce.StatusReady, nil
	})
}

func (b *base) waitForSnapshot(ctx context.Context, name string) error {
	return wait.Until(ctx, b.clock, "snapshot "+name+" to be ready", b.opts.SnapshotTimeout, imagePollInterval, func(ctx context.Context) (bool, error) {
		s, err := b.svc.GetSnapshot(ctx, name)
		if gce.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if s.Status == gce.StatusFailed {
			return false, errors.NewSnapshotError(name)
		}
		return s.Status == gce.StatusReady, nil
	})
}

func (b *base) waitForImage(ctx context.Context, name string) error {
	err := wait.Until(ctx, b.clock, "image "+name+" to be ready", b.opts.ImageTimeout, imagePollInterval, func(ctx context.Context) (bool, error) {
		i, err := b.svc.GetImage(ctx, "", name)
		if gce.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if i.Status == gce.StatusFailed {
			return false, errors.Errorf("image %s failed", name)
		}
		return i.Status == gce.StatusReady, nil
	})
	if err == nil {
		b.log.Info("image_available", "image", name)
	}
	return err
}

func hosts(inst *gce.Instance) []string {
	var h []string
	if inst.NATIP != "" {
		h = append(h, inst.NATIP)
	}
	if inst.InternalIP != "" {
		h = append(h, inst.InternalIP)
	}
	return h
}

// waitForAgent waits for the agent on the instance to come up and finish.
// On failure the serial port output is saved next to the error.
func (b *base) waitForAgent(ctx context.Context, name string) error {
	inst, err := b.waitForInstance(ctx, name)
	if err != nil {
		return err
	}
	a := b.opts.NewAgent(hosts(inst), b.opts.StatusPort)
	b.log.Info("waiting_for_agent", "instance", name, "hosts", hosts(inst), "port", b.opts.StatusPort)

	err = a.WaitUntilUp(ctx, b.opts.AgentUpTimeout)
	if err != nil {
		err = errors.Encryptionf(err, "unable to connect to the encryption service on %s: %v", name, err)
	} else {
		err = a.WaitForEncryption(ctx, b.opts.ProgressTimeout)
	}
	if err == nil {
		return nil
	}

	b.log.Error("encryption_failed", "instance", name, "error", err)
	if ctx.Err() != nil {
		return err
	}
	out, cerr := b.svc.GetSerialPortOutput(ctx, b.opts.Zone, name)
	if cerr != nil || out == "" {
		b.log.Error("console_output_unavailable", "instance", name, "error", cerr)
		return err
	}
	return workflow.RecordConsoleOutput(b.log, b.opts.ConsoleOutputDir, name, out, err)
}

func (b *base) metadata(mode string) ([]userdata.MetadataItem, error) {
	cfg := &userdata.InstanceConfig{
		Mode:        mode,
		StatusPort:  b.opts.StatusPort,
		NTPServers:  b.opts.NTPServers,
		Environment: b.opts.Environment,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg.Metadata()
}
