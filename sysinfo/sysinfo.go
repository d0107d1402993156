// Package sysinfo captures host details recorded with every experiment run,
// so results can be traced back to the machine that produced them.
package sysinfo

import (
	"os"
	"runtime"

	"golang.org/x/sys/cpu"
)

type Host struct {
	Hostname  string   `json:"hostname"`
	OS        string   `json:"os"`
	Arch      string   `json:"arch"`
	NumCPU    int      `json:"num_cpu"`
	GoVersion string   `json:"go_version"`
	Features  []string `json:"features,omitempty"`
}

func Collect() Host {
	hostname, _ := os.Hostname()
	return Host{
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		NumCPU:    runtime.NumCPU(),
		GoVersion: runtime.Version(),
		Features:  features(),
	}
}

// features lists the SIMD capabilities relevant to the float kernels.
// Empty off x86.
func features() []string {
	var fs []string
	for _, f := range []struct {
		name string
		has  bool
	}{
		{"avx", cpu.X86.HasAVX},
		{"avx2", cpu.X86.HasAVX2},
		{"avx512f", cpu.X86.HasAVX512F},
		{"fma", cpu.X86.HasFMA},
		{"sse42", cpu.X86.HasSSE42},
	} {
		if f.has {
			fs = append(fs, f.name)
		}
	}
	return fs
}
