package pools

import (
	"errors"

	"neonzfs/installer/internal/disks"
	"neonzfs/installer/internal/prompt"
)

// Plan asks the operator for a layout among those legal for devs and a pool
// name, and returns the validated spec.
func Plan(sel prompt.Selector, devs []disks.BlockDevice, defaultName string) (PoolSpec, error) {
	if len(devs) == 0 {
		return PoolSpec{}, errors.New("no devices selected")
	}
	if defaultName == "" {
		defaultName = DefaultPoolName
	}
	layouts := PlanLayouts(len(devs))
	q := prompt.Question{
		ID:      prompt.QLayout,
		Message: "Select ZFS pool type:",
		Options: make([]string, len(layouts)),
		Keys:    make([]string, len(layouts)),
	}
	for i, l := range layouts {
		q.Options[i] = Describe(l, len(devs))
		q.Keys[i] = string(l)
	}
	i, err := sel.Select(q)
	if err != nil {
		return PoolSpec{}, err
	}
	if i < 0 || i >= len(layouts) {
		return PoolSpec{}, ErrLayoutNotAllowed
	}
	name, err := sel.Input(prompt.Question{
		ID:      prompt.QPoolName,
		Message: "Enter ZFS pool name:",
		Default: defaultName,
	})
	if err != nil {
		return PoolSpec{}, err
	}
	return ValidateSpec(PoolSpec{Layout: layouts[i], Name: name, Devices: devs})
}
