package pools

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"neonzfs/installer/internal/console"
	"neonzfs/installer/internal/disks"
)

const DefaultPoolName = "neonpool"

var ErrInvalidPoolName = errors.New("invalid pool name")

// PoolSpec is the provisioning request for one run. Device order is the
// operator's selection order and drives partition and vdev order.
type PoolSpec struct {
	Layout  Layout
	Name    string
	Devices []disks.BlockDevice
}

// Paths returns the device paths in selection order.
func (s PoolSpec) Paths() []string { return disks.Paths(s.Devices) }

var createOptions = []string{
	"-o", "ashift=12",
	"-o", "compression=zstd",
	"-o", "xattr=sa",
	"-o", "acltype=posixacl",
	"-o", "dnodesize=auto",
	"-o", "atime=off",
	"-O", "canmount=off",
	"-O", "mountpoint=none",
	"-O", "normalization=formD",
}

// CreateOptions returns the properties appended to every zpool create, in
// order.
func CreateOptions() []string { return slices.Clone(createOptions) }

var (
	poolNameRe       = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]*$`)
	reservedPrefixes = []string{"mirror", "raidz", "draid", "spare"}
)

// ValidatePoolName applies the zpool naming rules.
func ValidatePoolName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPoolName)
	}
	if len(name) > 255 {
		return fmt.Errorf("%w: longer than 255 characters", ErrInvalidPoolName)
	}
	if !poolNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q must start with a letter and contain only letters, digits, _ . : -", ErrInvalidPoolName, name)
	}
	if name == "log" {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidPoolName, name)
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return fmt.Errorf("%w: %q starts with reserved word %q", ErrInvalidPoolName, name, p)
		}
	}
	if len(name) >= 2 && name[0] == 'c' && name[1] >= '0' && name[1] <= '9' {
		return fmt.Errorf("%w: %q looks like a device name", ErrInvalidPoolName, name)
	}
	return nil
}

// ValidateSpec trims and defaults the name and checks name, devices and
// layout. The returned spec is normalized.
func ValidateSpec(s PoolSpec) (PoolSpec, error) {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		s.Name = DefaultPoolName
	}
	if err := ValidatePoolName(s.Name); err != nil {
		return s, err
	}
	if len(s.Devices) == 0 {
		return s, errors.New("no devices selected")
	}
	seen := map[string]bool{}
	for _, d := range s.Devices {
		if strings.TrimSpace(d.Path) == "" {
			return s, errors.New("device with empty path")
		}
		if seen[d.Path] {
			return s, fmt.Errorf("device %s selected twice", d.Path)
		}
		seen[d.Path] = true
	}
	l, err := ParseLayout(string(s.Layout))
	if err != nil {
		return s, err
	}
	s.Layout = l
	if err := ValidateLayout(s.Layout, len(s.Devices)); err != nil {
		return s, err
	}
	return s, nil
}

// BuildCreateCommand returns the zpool create argv for s using the given
// data partitions (one per device, same order). With the single layout and
// more than one device only the first partition is used and a warning is
// reported.
func BuildCreateCommand(s PoolSpec, dataPartitions []string, out console.Reporter) ([]string, error) {
	if len(dataPartitions) == 0 {
		return nil, errors.New("no data partitions")
	}
	if len(s.Devices) > 0 && len(s.Devices) != len(dataPartitions) {
		return nil, fmt.Errorf("%d devices but %d data partitions", len(s.Devices), len(dataPartitions))
	}
	if err := ValidatePoolName(s.Name); err != nil {
		return nil, err
	}
	layout, err := ParseLayout(string(s.Layout))
	if err != nil {
		return nil, err
	}
	if err := ValidateLayout(layout, len(dataPartitions)); err != nil {
		return nil, err
	}

	argv := []string{"zpool", "create", "-f", s.Name}
	if layout == Single {
		argv = append(argv, dataPartitions[0])
		if len(dataPartitions) > 1 && out != nil {
			out.Warnf("Only using the first disk for the ZFS pool.")
		}
	} else {
		argv = append(argv, layout.vdevType())
		argv = append(argv, dataPartitions...)
	}
	return append(argv, createOptions...), nil
}
