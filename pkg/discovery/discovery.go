/*
Package discovery enumerates the GPU hardware visible on this host.

Enumerate never fails: it tries NVML bindings first, falls back to parsing
nvidia-smi's machine-readable CSV output, and falls back again to a single
mock descriptor so the Supervisor always has something to decide with.
*/
package discovery

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/rs/zerolog"

	"github.com/cuemby/gp4u-agent/pkg/log"
	"github.com/cuemby/gp4u-agent/pkg/types"
)

// logger is derived from the global logger when Enumerate runs, after
// log.Init has configured it.
var logger zerolog.Logger

// Enumerate returns the descriptor set of locally visible GPUs. It tries
// NVML, then the nvidia-smi CLI, then a mock single-GPU descriptor. It
// never returns an error — an empty or mock list is a decision for the
// Supervisor, not a discovery-level failure.
func Enumerate(ctx context.Context) []types.DeviceDescriptor {
	logger = log.WithComponent("agent")

	if gpus, ok := enumerateViaNVML(); ok {
		return gpus
	}
	logger.Warn().Msg("NVML discovery unavailable — trying nvidia-smi fallback")

	if gpus, ok := enumerateViaNvidiaSMI(ctx); ok {
		return gpus
	}
	logger.Warn().Msg("nvidia-smi fallback unavailable — using mock GPU data")

	return mockGPUs()
}

func enumerateViaNVML() (gpus []types.DeviceDescriptor, ok bool) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, false
	}
	defer nvml.Shutdown()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, false
	}

	driverVersion, _ := nvml.SystemGetDriverVersion()

	out := make([]types.DeviceDescriptor, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}

		uuid, _ := device.GetUUID()
		name, _ := device.GetName()
		mem, memRet := device.GetMemoryInfo()

		pcieGen, genRet := device.GetMaxPcieLinkGeneration()
		pcieWidth, widthRet := device.GetMaxPcieLinkWidth()
		if genRet != nvml.SUCCESS || widthRet != nvml.SUCCESS {
			pcieGen, pcieWidth = 4, 16
		}

		var totalMB int64
		var vramGB float64
		if memRet == nvml.SUCCESS {
			totalMB = int64(mem.Total / (1024 * 1024))
			vramGB = roundTo(float64(mem.Total)/(1024*1024*1024), 1)
		}

		out = append(out, types.DeviceDescriptor{
			UUID:          uuid,
			Name:          name,
			VRAMGB:        vramGB,
			DriverVersion: driverVersion,
			TotalMemoryMB: totalMB,
			PCIeLinkGen:   pcieGen,
			PCIeLinkWidth: pcieWidth,
		})
	}

	if len(out) == 0 {
		return nil, false
	}
	logger.Info().Int("count", len(out)).Msg("NVML: discovered GPU(s)")
	return out, true
}

func enumerateViaNvidiaSMI(ctx context.Context) (gpus []types.DeviceDescriptor, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=gpu_uuid,name,memory.total,driver_version",
		"--format=csv,noheader,nounits",
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, false
	}

	var out []types.DeviceDescriptor
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ",")
		if len(parts) < 4 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		uuid, name, memMBStr, driver := parts[0], parts[1], parts[2], parts[3]

		memMB, err := strconv.ParseInt(memMBStr, 10, 64)
		if err != nil {
			continue
		}

		out = append(out, types.DeviceDescriptor{
			UUID:          uuid,
			Name:          name,
			VRAMGB:        roundTo(float64(memMB)/1024, 1),
			DriverVersion: driver,
			TotalMemoryMB: memMB,
			PCIeLinkGen:   4,
			PCIeLinkWidth: 16,
		})
	}

	if len(out) == 0 {
		return nil, false
	}
	logger.Info().Int("count", len(out)).Msg("nvidia-smi: discovered GPU(s)")
	return out, true
}

func mockGPUs() []types.DeviceDescriptor {
	return []types.DeviceDescriptor{
		{
			UUID:          "GPU-MOCK-00000000-0000-0000-0000-000000000001",
			Name:          "NVIDIA Mock RTX 4090 (CI)",
			VRAMGB:        24.0,
			DriverVersion: "545.23.08",
			CUDAVersion:   "12.3",
			TotalMemoryMB: 24576,
			PCIeLinkGen:   4,
			PCIeLinkWidth: 16,
			Mock:          true,
		},
	}
}

func roundTo(v float64, places int) float64 {
	mult := 1.0
	for i := 0; i < places; i++ {
		mult *= 10
	}
	return float64(int64(v*mult+0.5)) / mult
}
