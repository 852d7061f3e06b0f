package pools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"neonzfs/installer/internal/console"
	"neonzfs/installer/internal/disks"
	"neonzfs/installer/internal/partition"
	"neonzfs/installer/internal/prompt"
	"neonzfs/installer/pkg/shell"
	"neonzfs/installer/pkg/shell/shelltest"
)

func devices(paths ...string) []disks.BlockDevice {
	out := make([]disks.BlockDevice, len(paths))
	for i, p := range paths {
		out[i] = disks.BlockDevice{Path: p, Model: disks.UnknownModel, ExistingFilesystems: map[string]string{}}
	}
	return out
}

func TestPlanLayouts(t *testing.T) {
	cases := map[int][]Layout{
		0: {},
		1: {Single},
		2: {Mirror, Single},
		3: {RaidZ1, Mirror, Single},
		4: {RaidZ2, RaidZ1, Mirror, Single},
		5: {RaidZ2, RaidZ1, Mirror, Single},
	}
	for n, want := range cases {
		if diff := cmp.Diff(want, PlanLayouts(n)); diff != "" {
			t.Fatalf("n=%d (-want +got):\n%s", n, diff)
		}
	}
}

func TestValidateLayout(t *testing.T) {
	for n := 0; n <= 5; n++ {
		allowed := map[Layout]bool{}
		for _, l := range PlanLayouts(n) {
			allowed[l] = true
		}
		for _, l := range []Layout{Single, Mirror, RaidZ1, RaidZ2} {
			err := ValidateLayout(l, n)
			if allowed[l] && err != nil {
				t.Fatalf("%s with %d: unexpected %v", l, n, err)
			}
			if !allowed[l] && !errors.Is(err, ErrLayoutNotAllowed) {
				t.Fatalf("%s with %d: want ErrLayoutNotAllowed, got %v", l, n, err)
			}
		}
	}
	if err := ValidateLayout("raid10", 4); !errors.Is(err, ErrUnknownLayout) {
		t.Fatalf("want ErrUnknownLayout, got %v", err)
	}
	if err := ValidateLayout("raidz", 3); err != nil {
		t.Fatalf("raidz alias: %v", err)
	}
}

func TestDescribe(t *testing.T) {
	if got := Describe(RaidZ1, 3); got != "RAIDZ1 (RAID5, 2/3 usable space)" {
		t.Fatalf("raidz1: %q", got)
	}
	if got := Describe(RaidZ2, 5); got != "RAIDZ2 (RAID6, 3/5 usable space)" {
		t.Fatalf("raidz2: %q", got)
	}
	if got := Describe(Mirror, 2); got != "Mirror (RAID1, 50% usable space)" {
		t.Fatalf("mirror: %q", got)
	}
}

func TestValidatePoolName(t *testing.T) {
	good := []string{"neonpool", "rpool", "tank_1", "a.b:c-d"}
	bad := []string{"", "1pool", "mirrorpool", "raidz", "spare1", "log", "c0t0d0", "bad name", "pool/x", strings.Repeat("a", 256)}
	for _, n := range good {
		if err := ValidatePoolName(n); err != nil {
			t.Fatalf("%q: %v", n, err)
		}
	}
	for _, n := range bad {
		if err := ValidatePoolName(n); !errors.Is(err, ErrInvalidPoolName) {
			t.Fatalf("%q: want ErrInvalidPoolName, got %v", n, err)
		}
	}
}

func TestValidateSpec(t *testing.T) {
	s, err := ValidateSpec(PoolSpec{Layout: "RAIDZ", Name: "  ", Devices: devices("/a", "/b", "/c")})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if s.Name != DefaultPoolName || s.Layout != RaidZ1 {
		t.Fatalf("normalized: %+v", s)
	}
	if _, err := ValidateSpec(PoolSpec{Layout: Mirror, Devices: devices("/a", "/a")}); err == nil {
		t.Fatalf("duplicate device accepted")
	}
	if _, err := ValidateSpec(PoolSpec{Layout: Single}); err == nil {
		t.Fatalf("empty device list accepted")
	}
	if _, err := ValidateSpec(PoolSpec{Layout: RaidZ2, Devices: devices("/a", "/b", "/c")}); !errors.Is(err, ErrLayoutNotAllowed) {
		t.Fatalf("raidz2 on 3 devices: %v", err)
	}
}

var suffix = []string{
	"-o", "ashift=12", "-o", "compression=zstd", "-o", "xattr=sa", "-o", "acltype=posixacl",
	"-o", "dnodesize=auto", "-o", "atime=off", "-O", "canmount=off", "-O", "mountpoint=none",
	"-O", "normalization=formD",
}

func TestBuildCreateCommandEndToEnd(t *testing.T) {
	spec := PoolSpec{Layout: Mirror, Name: "neonpool", Devices: devices("/dev/nvme0n1", "/dev/nvme1n1")}
	got, err := BuildCreateCommand(spec, partition.DataPartitions(spec.Paths()), console.Discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{"zpool", "create", "-f", "neonpool", "mirror", "/dev/nvme0n12", "/dev/nvme1n12",
		"-o", "ashift=12", "-o", "compression=zstd", "-o", "xattr=sa", "-o", "acltype=posixacl",
		"-o", "dnodesize=auto", "-o", "atime=off", "-O", "canmount=off", "-O", "mountpoint=none",
		"-O", "normalization=formD"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("argv (-want +got):\n%s", diff)
	}
	again, _ := BuildCreateCommand(spec, partition.DataPartitions(spec.Paths()), console.Discard())
	if diff := cmp.Diff(got, again); diff != "" {
		t.Fatalf("not deterministic:\n%s", diff)
	}
}

func TestCreateOptionsIsACopy(t *testing.T) {
	opts := CreateOptions()
	opts[1] = "ashift=9"
	spec := PoolSpec{Layout: Single, Name: "neonpool", Devices: devices("/dev/nvme0n1")}
	got, err := BuildCreateCommand(spec, partition.DataPartitions(spec.Paths()), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got[6] != "ashift=12" {
		t.Fatalf("argv: %v", got)
	}
	if diff := cmp.Diff(got[len(got)-len(opts):], CreateOptions()); diff != "" {
		t.Fatalf("suffix (-argv +options):\n%s", diff)
	}
}

func TestBuildCreateCommandLayouts(t *testing.T) {
	parts := func(n int) []string {
		return partition.DataPartitions([]string{"/dev/nvme0n1", "/dev/nvme1n1", "/dev/nvme2n1", "/dev/nvme3n1"}[:n])
	}
	cases := []struct {
		layout Layout
		n      int
		vdevs  []string
	}{
		{Single, 1, []string{"/dev/nvme0n12"}},
		{Mirror, 3, []string{"mirror", "/dev/nvme0n12", "/dev/nvme1n12", "/dev/nvme2n12"}},
		{RaidZ1, 3, []string{"raidz", "/dev/nvme0n12", "/dev/nvme1n12", "/dev/nvme2n12"}},
		{RaidZ2, 4, []string{"raidz2", "/dev/nvme0n12", "/dev/nvme1n12", "/dev/nvme2n12", "/dev/nvme3n12"}},
	}
	for _, tc := range cases {
		got, err := BuildCreateCommand(PoolSpec{Layout: tc.layout, Name: "tank"}, parts(tc.n), nil)
		if err != nil {
			t.Fatalf("%s: %v", tc.layout, err)
		}
		want := append(append([]string{"zpool", "create", "-f", "tank"}, tc.vdevs...), suffix...)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", tc.layout, diff)
		}
	}
	if _, err := BuildCreateCommand(PoolSpec{Layout: RaidZ1, Name: "tank"}, parts(2), nil); !errors.Is(err, ErrLayoutNotAllowed) {
		t.Fatalf("raidz1 on 2: %v", err)
	}
}

func TestBuildCreateCommandSingleWarns(t *testing.T) {
	rec := &console.Recorder{}
	spec := PoolSpec{Layout: Single, Name: "neonpool", Devices: devices("/dev/nvme0n1", "/dev/nvme1n1")}
	got, err := BuildCreateCommand(spec, partition.DataPartitions(spec.Paths()), rec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := append([]string{"zpool", "create", "-f", "neonpool", "/dev/nvme0n12"}, suffix...)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if w := rec.Texts(console.LevelWarn); len(w) != 1 || !strings.Contains(w[0], "first disk") {
		t.Fatalf("warnings: %v", w)
	}
}

func TestConfigure(t *testing.T) {
	r := shelltest.New()
	rec := &console.Recorder{}
	res := (&Configurator{Runner: r, Out: rec}).Configure(context.Background(), "neonpool")
	if !res.AutotrimEnabled {
		t.Fatalf("autotrim should be on")
	}
	if !r.Ran("zpool", "set", "autotrim=on", "neonpool") {
		t.Fatalf("commands: %v", r.Commands())
	}
	if len(res.Units) != 2 || !strings.Contains(res.Units[1].Content, "ExecStart=/usr/sbin/zpool trim neonpool") {
		t.Fatalf("units: %+v", res.Units)
	}
	if !strings.Contains(res.Units[0].Content, "OnCalendar=weekly") {
		t.Fatalf("timer: %s", res.Units[0].Content)
	}

	r = shelltest.New().Fail([]string{"zpool", "set"}, 1, "unsupported")
	rec = &console.Recorder{}
	res = (&Configurator{Runner: r, Out: rec, TrimSchedule: "not cron"}).Configure(context.Background(), "neonpool")
	if res.AutotrimEnabled || len(res.Units) != 0 {
		t.Fatalf("result: %+v", res)
	}
	if len(rec.Texts(console.LevelWarn)) != 2 {
		t.Fatalf("expected two warnings: %+v", rec.Messages)
	}
}

type fakePreparer struct {
	efi     string
	err     error
	devices []string
}

func (f *fakePreparer) Prepare(_ context.Context, devices []string) (string, error) {
	f.devices = devices
	return f.efi, f.err
}

func TestProvisionHappyPath(t *testing.T) {
	r := shelltest.New()
	prep := &fakePreparer{efi: "/dev/nvme0n11"}
	var seen []State
	p := &Provisioner{
		Runner:       r,
		Out:          console.Discard(),
		Partitions:   prep,
		Configurator: &Configurator{Runner: r, Out: console.Discard()},
		OnState:      func(s State) { seen = append(seen, s) },
	}
	res, err := p.Provision(context.Background(), PoolSpec{Layout: Mirror, Devices: devices("/dev/nvme0n1", "/dev/nvme1n1")})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if res.State != PoolConfigured || p.State() != PoolConfigured {
		t.Fatalf("state: %s", res.State)
	}
	if diff := cmp.Diff([]State{PartitionsPrepared, PoolCreated, PoolConfigured}, seen); diff != "" {
		t.Fatalf("transitions (-want +got):\n%s", diff)
	}
	if res.EFIPartition != "/dev/nvme0n11" {
		t.Fatalf("efi: %q", res.EFIPartition)
	}
	if diff := cmp.Diff([]string{"/dev/nvme0n1", "/dev/nvme1n1"}, prep.devices); diff != "" {
		t.Fatalf("prepared devices:\n%s", diff)
	}
	cmds := r.Commands()
	if !strings.HasPrefix(cmds[0], "zpool create -f neonpool mirror /dev/nvme0n12 /dev/nvme1n12 -o ashift=12") {
		t.Fatalf("first command: %q", cmds[0])
	}
	if _, err := p.Provision(context.Background(), PoolSpec{Layout: Single, Devices: devices("/x")}); err == nil {
		t.Fatalf("provisioner must be single-use")
	}
}

func TestProvisionFailures(t *testing.T) {
	partErr := &partition.PartitionError{Device: "/dev/nvme0n1", Step: "zap partition table", Err: errors.New("boom")}
	cases := []struct {
		name   string
		prep   *fakePreparer
		runner *shelltest.Runner
		spec   PoolSpec
		check  func(t *testing.T, err error, r *shelltest.Runner)
	}{
		{
			name:   "invalid spec",
			prep:   &fakePreparer{},
			runner: shelltest.New(),
			spec:   PoolSpec{Layout: RaidZ2, Devices: devices("/a", "/b")},
			check: func(t *testing.T, err error, r *shelltest.Runner) {
				if !errors.Is(err, ErrLayoutNotAllowed) {
					t.Fatalf("err: %v", err)
				}
			},
		},
		{
			name:   "partitioning",
			prep:   &fakePreparer{err: partErr},
			runner: shelltest.New(),
			spec:   PoolSpec{Layout: Single, Devices: devices("/dev/nvme0n1")},
			check: func(t *testing.T, err error, r *shelltest.Runner) {
				var pe *partition.PartitionError
				if !errors.As(err, &pe) {
					t.Fatalf("err: %v", err)
				}
				if r.Ran("zpool") {
					t.Fatalf("zpool must not run")
				}
			},
		},
		{
			name:   "zpool create",
			prep:   &fakePreparer{efi: "/dev/nvme0n11"},
			runner: shelltest.New().Fail([]string{"zpool", "create"}, 1, "pool exists"),
			spec:   PoolSpec{Layout: Single, Devices: devices("/dev/nvme0n1")},
			check: func(t *testing.T, err error, r *shelltest.Runner) {
				var ce *shell.ExternalCommandError
				if !errors.As(err, &ce) || !strings.Contains(ce.Stderr, "pool exists") {
					t.Fatalf("err: %v", err)
				}
				if r.Ran("zpool", "set") {
					t.Fatalf("no configuration after failed create")
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &Provisioner{
				Runner:       tc.runner,
				Out:          console.Discard(),
				Partitions:   tc.prep,
				Configurator: &Configurator{Runner: tc.runner, Out: console.Discard()},
			}
			res, err := p.Provision(context.Background(), tc.spec)
			if err == nil {
				t.Fatalf("expected failure")
			}
			if res.State != Failed || p.State() != Failed {
				t.Fatalf("state: %s", res.State)
			}
			tc.check(t, err, tc.runner)
		})
	}
}

func TestPlan(t *testing.T) {
	devs := devices("/dev/nvme0n1", "/dev/nvme1n1", "/dev/nvme2n1")
	sel := prompt.NewPreset(nil).Set(prompt.QLayout, "raidz1")
	spec, err := Plan(sel, devs, "")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if spec.Layout != RaidZ1 || spec.Name != DefaultPoolName || len(spec.Devices) != 3 {
		t.Fatalf("spec: %+v", spec)
	}

	sel = prompt.NewPreset(nil).Set(prompt.QLayout, "raidz2")
	if _, err := Plan(sel, devs, ""); err == nil {
		t.Fatalf("raidz2 must not be offered for 3 devices")
	}

	sel = prompt.NewPreset(nil).Set(prompt.QLayout, "mirror").Set(prompt.QPoolName, "9lives")
	if _, err := Plan(sel, devs, ""); !errors.Is(err, ErrInvalidPoolName) {
		t.Fatalf("bad name: %v", err)
	}
}
