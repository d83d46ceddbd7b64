// Package vcircuit provisions and tears down the layer-2 virtual circuit
// that carries a feed's multicast traffic between the local AL2S endpoint
// and a downstream peer's endpoint. Provisioning shells out to an external
// script; this package's only domain logic is the privilege bracket around
// that spawn and the dummy-endpoint test short-circuit.
package vcircuit

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/unidata/ldm7up/internal/logger"
	"github.com/unidata/ldm7up/internal/model"
)

const DummyCircuitID = "dummy_circuitId"

// Provisioner is the interface the session engine consumes.
type Provisioner interface {
	Provision(ctx context.Context, workgroup, description string, a, b model.VcEndpoint) (circuitID string, err error)
	Remove(ctx context.Context, workgroup, circuitID string) error
}

type scriptProvisioner struct {
	scriptPath string
	log        logger.Logger
	// privUID/privGID are the privileged credentials to assume around the
	// spawn; zero means "do not change credentials" (e.g. running tests as
	// a non-root user, or already running with the necessary privilege).
	privUID, privGID uint32
}

func NewProvisioner(scriptPath string, privUID, privGID uint32, log logger.Logger) Provisioner {
	return &scriptProvisioner{scriptPath: scriptPath, privUID: privUID, privGID: privGID, log: log}
}

func (p *scriptProvisioner) Provision(ctx context.Context, workgroup, description string, a, b model.VcEndpoint) (string, error) {
	if workgroup == "" {
		return "", errors.New("vcircuit: workgroup must not be empty")
	}
	if a.IsDummy() || b.IsDummy() {
		p.log.WithField("endpoint_a", a.String()).WithField("endpoint_b", b.String()).
			Debug("dummy endpoint, skipping circuit provisioning")
		return DummyCircuitID, nil
	}

	// description is not part of the script's argv (the script has no use
	// for it), only of the log line; mirrors the C upstream's oess_provision,
	// which validates desc but never places it in the exec'd command vector.
	args := []string{
		workgroup,
		a.Switch, a.Port, itoa(a.Vlan),
		b.Switch, b.Port, itoa(b.Vlan),
	}

	p.log.WithField("workgroup", workgroup).WithField("description", description).
		WithField("endpoint_a", a.String()).WithField("endpoint_b", b.String()).
		Debug("provisioning circuit")

	out, err := p.runPrivileged(ctx, args)
	if err != nil {
		return "", errors.Wrap(err, "vcircuit: provisioning script failed")
	}
	circuitID := strings.TrimSpace(out)
	if circuitID == "" {
		return "", errors.New("vcircuit: provisioning script produced no circuit id")
	}
	return circuitID, nil
}

func (p *scriptProvisioner) Remove(ctx context.Context, workgroup, circuitID string) error {
	if circuitID == DummyCircuitID || strings.HasPrefix(circuitID, "dummy") {
		return nil
	}
	_, err := p.runPrivileged(ctx, []string{workgroup, "remove", circuitID})
	if err != nil {
		return errors.Wrap(err, "vcircuit: circuit removal script failed")
	}
	return nil
}

// runPrivileged elevates to the configured saved-root credentials only for
// the duration of the spawn, dropping them again as soon as the child has
// been started (or failed to start), before waiting for it to exit.
func (p *scriptProvisioner) runPrivileged(ctx context.Context, args []string) (string, error) {
	if err := p.elevate(); err != nil {
		return "", errors.Wrap(err, "vcircuit: privilege escalation failed")
	}
	dropped := false
	drop := func() {
		if dropped {
			return
		}
		dropped = true
		if err := p.drop(); err != nil {
			p.log.WithError(err).Error("vcircuit: failed to drop privileges after provisioning spawn")
		}
	}
	defer drop()

	start := time.Now()
	cmd := exec.CommandContext(ctx, p.scriptPath, args...)
	cmd.Env = []string{}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := p.log.WithField("cmd", p.scriptPath).WithField("args", strings.Join(args, " "))
	log.Debug("starting provisioning script")
	err := cmd.Start()
	drop()
	if err == nil {
		err = cmd.Wait()
	}
	log.WithField("runtime", time.Since(start).String()).Debug("provisioning script returned")
	if err != nil {
		return "", errors.Wrapf(err, "stderr: %s", stderr.String())
	}
	return stdout.String(), nil
}

func (p *scriptProvisioner) elevate() error {
	if p.privUID == 0 && p.privGID == 0 {
		return nil
	}
	if err := unix.Setregid(-1, int(p.privGID)); err != nil {
		return errors.Wrap(err, "setregid")
	}
	if err := unix.Setreuid(-1, int(p.privUID)); err != nil {
		return errors.Wrap(err, "setreuid")
	}
	return nil
}

func (p *scriptProvisioner) drop() error {
	if p.privUID == 0 && p.privGID == 0 {
		return nil
	}
	uid := unix.Getuid()
	gid := unix.Getgid()
	if err := unix.Setreuid(-1, uid); err != nil {
		return errors.Wrap(err, "setreuid drop")
	}
	if err := unix.Setregid(-1, gid); err != nil {
		return errors.Wrap(err, "setregid drop")
	}
	return nil
}

func itoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	digits := [5]byte{}
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}
