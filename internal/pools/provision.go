package pools

import (
	"context"
	"fmt"
	"strings"

	"neonzfs/installer/internal/console"
	"neonzfs/installer/internal/partition"
	"neonzfs/installer/pkg/shell"
)

// State tracks root pool provisioning. Failed is terminal and nothing done
// before it is undone.
type State int

const (
	Unconfigured State = iota
	PartitionsPrepared
	PoolCreated
	PoolConfigured
	Failed
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case PartitionsPrepared:
		return "partitions-prepared"
	case PoolCreated:
		return "pool-created"
	case PoolConfigured:
		return "pool-configured"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	Unconfigured:       {PartitionsPrepared, Failed},
	PartitionsPrepared: {PoolCreated, Failed},
	PoolCreated:        {PoolConfigured, Failed},
}

// PartitionPreparer lays out the devices and returns the EFI partition.
type PartitionPreparer interface {
	Prepare(ctx context.Context, devices []string) (string, error)
}

// Provisioner drives one pool through partitioning, creation and
// configuration. It is single-use.
type Provisioner struct {
	Runner       shell.Runner
	Out          console.Reporter
	Partitions   PartitionPreparer
	Configurator *Configurator
	// OnState, if set, is called after every transition.
	OnState func(State)

	state State
}

type Result struct {
	State        State
	EFIPartition string
	Command      []string
	Configured   ConfigureResult
}

func (p *Provisioner) State() State { return p.state }

func (p *Provisioner) advance(to State) error {
	for _, s := range transitions[p.state] {
		if s == to {
			p.state = to
			if p.OnState != nil {
				p.OnState(to)
			}
			return nil
		}
	}
	return fmt.Errorf("illegal provisioning transition %s -> %s", p.state, to)
}

func (p *Provisioner) fail(err error) error {
	_ = p.advance(Failed)
	return err
}

// Provision validates spec, prepares partitions, creates the pool and
// configures it. The first fatal error moves the provisioner to Failed.
func (p *Provisioner) Provision(ctx context.Context, spec PoolSpec) (Result, error) {
	if p.state != Unconfigured {
		return Result{State: p.state}, fmt.Errorf("provisioner already used (state %s)", p.state)
	}
	res := Result{}
	spec, err := ValidateSpec(spec)
	if err != nil {
		err = p.fail(fmt.Errorf("pool spec: %w", err))
		res.State = p.state
		return res, err
	}

	paths := spec.Paths()
	efi, err := p.Partitions.Prepare(ctx, paths)
	if err != nil {
		err = p.fail(err)
		res.State = p.state
		return res, err
	}
	res.EFIPartition = efi
	_ = p.advance(PartitionsPrepared)

	argv, err := BuildCreateCommand(spec, partition.DataPartitions(paths), p.Out)
	if err != nil {
		err = p.fail(err)
		res.State = p.state
		return res, err
	}
	res.Command = argv
	p.Out.Infof("Creating ZFS pool with command: %s", strings.Join(argv, " "))
	if _, err := p.Runner.Run(ctx, argv[0], argv[1:]...); err != nil {
		err = p.fail(fmt.Errorf("create pool %s: %w", spec.Name, err))
		res.State = p.state
		return res, err
	}
	p.Out.Successf("ZFS pool '%s' created successfully.", spec.Name)
	_ = p.advance(PoolCreated)

	if p.Configurator != nil {
		res.Configured = p.Configurator.Configure(ctx, spec.Name)
	}
	_ = p.advance(PoolConfigured)
	res.State = p.state
	return res, nil
}
