package pools

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Layout is the vdev arrangement of the root pool.
type Layout string

const (
	Single Layout = "single"
	Mirror Layout = "mirror"
	RaidZ1 Layout = "raidz1"
	RaidZ2 Layout = "raidz2"
)

var (
	ErrUnknownLayout    = errors.New("unknown pool layout")
	ErrLayoutNotAllowed = errors.New("layout not allowed for device count")
)

// PlanLayouts returns the layouts legal for n devices, most redundant first.
func PlanLayouts(n int) []Layout {
	switch {
	case n <= 0:
		return []Layout{}
	case n == 1:
		return []Layout{Single}
	case n == 2:
		return []Layout{Mirror, Single}
	case n == 3:
		return []Layout{RaidZ1, Mirror, Single}
	default:
		return []Layout{RaidZ2, RaidZ1, Mirror, Single}
	}
}

// ParseLayout accepts a layout name; "raidz" is read as raidz1.
func ParseLayout(s string) (Layout, error) {
	switch l := Layout(strings.ToLower(strings.TrimSpace(s))); l {
	case Single, Mirror, RaidZ1, RaidZ2:
		return l, nil
	case "raidz":
		return RaidZ1, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLayout, s)
}

// ValidateLayout rejects a layout that PlanLayouts(n) does not offer.
func ValidateLayout(l Layout, n int) error {
	l, err := ParseLayout(string(l))
	if err != nil {
		return err
	}
	if !slices.Contains(PlanLayouts(n), l) {
		return fmt.Errorf("%w: %s with %d device(s)", ErrLayoutNotAllowed, l, n)
	}
	return nil
}

// vdevType is the zpool keyword for l; single has none.
func (l Layout) vdevType() string {
	switch l {
	case Mirror:
		return "mirror"
	case RaidZ1:
		return "raidz"
	case RaidZ2:
		return "raidz2"
	}
	return ""
}

// Describe is the operator-facing text for l with n devices.
func Describe(l Layout, n int) string {
	switch l {
	case Single:
		switch {
		case n <= 1:
			return "Single disk (no redundancy)"
		case n == 2:
			return "Single disk (no redundancy, use second disk for separate pool)"
		default:
			return "Single disk (no redundancy, use other disks for separate pools)"
		}
	case Mirror:
		if n == 2 {
			return "Mirror (RAID1, 50% usable space)"
		}
		return fmt.Sprintf("Mirror (RAID1, 1/%d usable space)", n)
	case RaidZ1:
		return fmt.Sprintf("RAIDZ1 (RAID5, %d/%d usable space)", n-1, n)
	case RaidZ2:
		return fmt.Sprintf("RAIDZ2 (RAID6, %d/%d usable space)", n-2, n)
	}
	return string(l)
}
