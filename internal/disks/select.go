package disks

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"neonzfs/installer/internal/prompt"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	deviceStyle = cellStyle.Foreground(lipgloss.Color("6"))
	sizeStyle   = cellStyle.Foreground(lipgloss.Color("5"))
	modelStyle  = cellStyle.Foreground(lipgloss.Color("2"))
	dirtyStyle  = cellStyle.Foreground(lipgloss.Color("1"))
	cleanStyle  = cellStyle.Foreground(lipgloss.Color("2"))
)

// Table renders devices as a bordered table.
func Table(devs []BlockDevice) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Device", "Size", "Model", "Filesystems")
	for _, d := range devs {
		fs := "No formatted partitions"
		if d.HasFilesystems() {
			fs = d.FilesystemSummary()
		}
		t.Row(filepath.Base(d.Path), d.Size(), d.Model, fs)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerStyle
		}
		switch col {
		case 0:
			return deviceStyle
		case 1:
			return sizeStyle
		case 2:
			return modelStyle
		}
		if row >= 0 && row < len(devs) && devs[row].HasFilesystems() {
			return dirtyStyle
		}
		return cleanStyle
	})
	return t.String()
}

// SelectDevices lists eligible devices, asks the operator to pick some and,
// when any pick carries a filesystem, asks for confirmation and wipes them.
// No devices, no selection and a declined wipe all yield an empty selection
// without error.
func (inv *Inventory) SelectDevices(ctx context.Context, sel prompt.Selector) ([]BlockDevice, error) {
	devs := inv.ListEligibleDevices(ctx)
	if len(devs) == 0 {
		inv.Out.Errorf("No NVMe disks found.")
		return nil, nil
	}

	inv.Out.Infof("\nAvailable NVMe disks:\n%s", Table(devs))
	q := prompt.Question{
		ID:      prompt.QDevices,
		Message: "Select NVMe disks for installation:",
		Options: make([]string, len(devs)),
		Keys:    Paths(devs),
	}
	for i, d := range devs {
		q.Options[i] = d.ColorLabel()
	}
	idx, err := sel.MultiSelect(q)
	if err != nil {
		return nil, err
	}
	if len(idx) == 0 {
		inv.Out.Infof("No disks selected.")
		return nil, nil
	}
	chosen := make([]BlockDevice, 0, len(idx))
	for _, i := range idx {
		chosen = append(chosen, devs[i])
		inv.Out.Infof("Selected %s", devs[i].Label())
	}

	type dirty struct {
		dev BlockDevice
		fs  map[string]string
	}
	var withFS []dirty
	for _, d := range chosen {
		if fs := inv.FilesystemInfo(ctx, d.Path); len(fs) > 0 {
			withFS = append(withFS, dirty{dev: d, fs: fs})
		}
	}
	if len(withFS) == 0 {
		return chosen, nil
	}

	inv.Out.Warnf("The following disks have existing filesystems:")
	toWipe := make([]BlockDevice, 0, len(withFS))
	for _, w := range withFS {
		inv.Out.Infof("  - %s", w.dev.Path)
		parts := make([]string, 0, len(w.fs))
		for p := range w.fs {
			parts = append(parts, p)
		}
		sort.Strings(parts)
		for _, p := range parts {
			inv.Out.Infof("    %s: %s", p, w.fs[p])
		}
		toWipe = append(toWipe, w.dev)
	}
	ok, err := sel.Confirm(prompt.Question{
		ID:      prompt.QWipe,
		Message: "Do you want to wipe these disks? [THIS WILL DESTROY ALL DATA]",
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		inv.Out.Infof("Aborting installation.")
		return nil, nil
	}
	if err := inv.Wipe(ctx, toWipe); err != nil {
		return nil, err
	}
	inv.Out.Successf("Disks wiped successfully.")
	return chosen, nil
}
