// Package hostinfo samples the worker host's utilization for heartbeats
// and the agent's metrics endpoint.
package hostinfo

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Utilization returns CPU and memory usage as percentages. Sampling
// failures degrade to zero rather than failing the caller.
func Utilization() (cpuPct, memPct float64) {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}
	return cpuPct, memPct
}
