// Package orchestrator implements the top-level provisioning flow: for
// each PresetPlan in a user-supplied ordered list, clone -> provision ->
// verify -> templatize -> record, including the chaining optimisation
// (building preset N+1 from preset N's just-created template when disk
// size is non-decreasing). Grounded in snapshot-pvelxc.py's
// provision_and_snapshot/provision_and_create_template.
package orchestrator

import "fmt"

// PresetPlan is the resource shape of a desired template. PresetID is
// derived deterministically from (VCPUs, MemoryMiB, DiskMiB) so that
// equivalent shapes collapse to one manifest preset identity.
type PresetPlan struct {
	PresetID      string
	Label         string
	CPUDisplay    string
	MemoryDisplay string
	DiskDisplay   string
	VCPUs         int
	MemoryMiB     int
	DiskMiB       int
}

// NewPresetPlan derives PresetID/CPUDisplay/MemoryDisplay/DiskDisplay from
// the resource shape and returns a complete PresetPlan.
func NewPresetPlan(label string, vcpus, memoryMiB, diskMiB int) PresetPlan {
	return PresetPlan{
		PresetID:      presetID(vcpus, memoryMiB, diskMiB),
		Label:         label,
		CPUDisplay:    fmt.Sprintf("%d vCPU", vcpus),
		MemoryDisplay: fmt.Sprintf("%d GB RAM", gibFloor(memoryMiB)),
		DiskDisplay:   fmt.Sprintf("%d GB SSD", gibFloor(diskMiB)),
		VCPUs:         vcpus,
		MemoryMiB:     memoryMiB,
		DiskMiB:       diskMiB,
	}
}

// presetID renders "{vcpus}vcpu_{memory_gib}gb_{disk_gib}gb" — the
// identity under which re-running with the same shape appends a new
// version to the same preset entry instead of creating a new one.
func presetID(vcpus, memoryMiB, diskMiB int) string {
	return fmt.Sprintf("%dvcpu_%dgb_%dgb", vcpus, gibFloor(memoryMiB), gibFloor(diskMiB))
}

func gibFloor(mib int) int {
	gib := mib / 1024
	if gib < 1 {
		return 1
	}
	return gib
}
