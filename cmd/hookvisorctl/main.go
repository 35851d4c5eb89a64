// Copyright 2026 The Hookvisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command hookvisorctl is a small demonstration CLI driving this
// repository's core against the host/sim software platform. This core
// persists no state across invocations, so each subcommand builds a
// fresh simulated machine, carries it through one scenario, and reports
// the resulting hook state — standing in for what a real
// load/enable/disable/unload control surface would do against a
// running hypervisor. Command dispatch follows runsc/cli's use of
// google/subcommands rather than a hand-rolled flag switch.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/hookvisor/hookvisor/pkg/config"
	"github.com/hookvisor/hookvisor/pkg/dispatch"
	"github.com/hookvisor/hookvisor/pkg/host/sim"
	"github.com/hookvisor/hookvisor/pkg/hvlog"
	"github.com/hookvisor/hookvisor/pkg/shuttle"
	"github.com/hookvisor/hookvisor/pkg/svm"
	"github.com/hookvisor/hookvisor/pkg/vmm"
)

const demoHookName = "ZwQuerySystemInformation"

// buildDemoMachine sets up a sim.Machine with one registered symbol at
// a fixed virtual address backed by a fixed physical page: one CPU, one
// hook at a known virtual address backed by a known physical page whose
// hook offset holds a recognized prologue ("sub rsp, 0x28").
func buildDemoMachine(cfg config.Config) (*sim.Machine, error) {
	m, err := sim.New(cfg.SimArenaBytes)
	if err != nil {
		return nil, err
	}
	const hookVA = 0xffff_f880_0010_0040
	const hookPagePA = 0x0020_0000
	m.DefineSymbol(demoHookName, hookVA, hookPagePA)
	page := make([]byte, 4096)
	copy(page[hookVA&0xfff:], []byte{0x48, 0x83, 0xec, 0x28})
	if err := m.WritePage(hookPagePA, page); err != nil {
		return nil, err
	}
	return m, nil
}

func runScenario(cfg config.Config, drive func(core *vmm.Core, cpu *vmm.CPU) error) (*vmm.Core, *vmm.CPU, error) {
	m, err := buildDemoMachine(cfg)
	if err != nil {
		return nil, nil, err
	}
	core, err := vmm.CoreInit(m, []vmm.HookDesc{{Name: demoHookName, Handler: 0xffff_f880_0020_0000}})
	if err != nil {
		return nil, nil, fmt.Errorf("CoreInit: %w", err)
	}
	cpu, err := vmm.PerCpuInit(core, cfg.PreAllocPoolSize)
	if err != nil {
		return nil, nil, fmt.Errorf("PerCpuInit: %w", err)
	}
	if drive != nil {
		if err := drive(core, cpu); err != nil {
			return nil, nil, err
		}
	}
	return core, cpu, nil
}

func printStatus(cpu *vmm.CPU) {
	fmt.Printf("state: %s\n", cpu.Data.State)
	fmt.Printf("pool used: %d/%d\n", cpu.Data.Pool.Used(), cpu.Data.Pool.Capacity())
	stats := cpu.Data.NPT.Stats()
	fmt.Printf("npt: nodes=%d leaves=%d\n", stats.NodesAllocated, stats.LeavesMapped)
	fmt.Printf("exits: cpuid=%d msr=%d vmrun=%d bp=%d npf=%d errors=%d\n",
		cpu.Dispatcher.Stats.CPUID, cpu.Dispatcher.Stats.MSR, cpu.Dispatcher.Stats.VMRUN,
		cpu.Dispatcher.Stats.Breakpoint, cpu.Dispatcher.Stats.NPF, cpu.Dispatcher.Stats.EngineErrors)
}

type loadCmd struct{ cfg *config.Config }

func (*loadCmd) Name() string             { return "load" }
func (*loadCmd) Synopsis() string         { return "build the core and one per-CPU hook state machine against host/sim." }
func (*loadCmd) Usage() string            { return "load\n" }
func (c *loadCmd) SetFlags(f *flag.FlagSet) {}
func (c *loadCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	_, cpu, err := runScenario(*c.cfg, nil)
	if err != nil {
		hvlog.Errorf("load: %v", err)
		return subcommands.ExitFailure
	}
	printStatus(cpu)
	return subcommands.ExitSuccess
}

type enableCmd struct{ cfg *config.Config }

func (*enableCmd) Name() string     { return "enable" }
func (*enableCmd) Synopsis() string { return "load, then EnableHooks (Off -> HookArmedInvisible)." }
func (*enableCmd) Usage() string    { return "enable\n" }
func (c *enableCmd) SetFlags(f *flag.FlagSet) {}
func (c *enableCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	_, cpu, err := runScenario(*c.cfg, func(core *vmm.Core, cpu *vmm.CPU) error {
		return cpu.Engine.EnableHooks()
	})
	if err != nil {
		hvlog.Errorf("enable: %v", err)
		return subcommands.ExitFailure
	}
	printStatus(cpu)
	return subcommands.ExitSuccess
}

type disableCmd struct{ cfg *config.Config }

func (*disableCmd) Name() string     { return "disable" }
func (*disableCmd) Synopsis() string { return "load, enable, then DisableHooks (HookArmedInvisible -> Off)." }
func (*disableCmd) Usage() string    { return "disable\n" }
func (c *disableCmd) SetFlags(f *flag.FlagSet) {}
func (c *disableCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	_, cpu, err := runScenario(*c.cfg, func(core *vmm.Core, cpu *vmm.CPU) error {
		if err := cpu.Engine.EnableHooks(); err != nil {
			return err
		}
		return cpu.Engine.DisableHooks()
	})
	if err != nil {
		hvlog.Errorf("disable: %v", err)
		return subcommands.ExitFailure
	}
	printStatus(cpu)
	return subcommands.ExitSuccess
}

type statusCmd struct{ cfg *config.Config }

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "run scenario 1 from the concrete scenarios (enable, exec, breakpoint) and print resulting state." }
func (*statusCmd) Usage() string    { return "status\n" }
func (c *statusCmd) SetFlags(f *flag.FlagSet) {}
func (c *statusCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	_, cpu, err := runScenario(*c.cfg, func(core *vmm.Core, cpu *vmm.CPU) error {
		if err := cpu.Engine.EnableHooks(); err != nil {
			return err
		}
		h := core.Registry.Entries()[0]

		var vmcb svm.Vmcb
		vmcb.ControlArea.ExitCode = svm.ExitCodeNPF
		vmcb.ControlArea.ExitInfo1 = 0x1f // valid, execute violation.
		vmcb.ControlArea.ExitInfo2 = uint64(h.OrigPagePA)
		gpr := &shuttle.GuestRegisters{}
		if _, err := cpu.Dispatcher.OnVmExit(&vmcb, gpr, nilCPUIDHost{}, 0); err != nil {
			return err
		}

		vmcb.ControlArea.ExitCode = svm.ExitCodeExceptionBP
		vmcb.StateSaveArea.Rip = h.HookVA
		if _, err := cpu.Dispatcher.OnVmExit(&vmcb, gpr, nilCPUIDHost{}, 0); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		hvlog.Errorf("status: %v", err)
		return subcommands.ExitFailure
	}
	printStatus(cpu)
	return subcommands.ExitSuccess
}

type unloadCmd struct{ cfg *config.Config }

func (*unloadCmd) Name() string     { return "unload" }
func (*unloadCmd) Synopsis() string { return "drive the CPUID back-door unload subleaf and report the outcome." }
func (*unloadCmd) Usage() string    { return "unload\n" }
func (c *unloadCmd) SetFlags(f *flag.FlagSet) {}
func (c *unloadCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	var outcome dispatch.Outcome
	_, cpu, err := runScenario(*c.cfg, func(core *vmm.Core, cpu *vmm.CPU) error {
		var vmcb svm.Vmcb
		vmcb.ControlArea.ExitCode = svm.ExitCodeCPUID
		vmcb.ControlArea.NRip = 0x1000
		vmcb.StateSaveArea.Rax = 0x41414141 // OnVmExit loads guest RAX from the VMCB.
		gpr := &shuttle.GuestRegisters{Rcx: 0x41414141}
		o, err := cpu.Dispatcher.OnVmExit(&vmcb, gpr, nilCPUIDHost{}, 0xffff_8000_1234_0000)
		outcome = o
		return err
	})
	if err != nil {
		hvlog.Errorf("unload: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("terminate: %v per-cpu-data: %#x continuation-rip: %#x\n",
		outcome.Terminate, outcome.UnloadPerCPUData, outcome.UnloadContinuationRIP)
	printStatus(cpu)
	return subcommands.ExitSuccess
}

type nilCPUIDHost struct{}

func (nilCPUIDHost) Cpuid(eax, ecx uint32) (uint32, uint32, uint32, uint32) { return eax, 0, 0, 0 }

func main() {
	cfg := config.Default()
	config.RegisterFlags(flag.CommandLine, &cfg)

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&loadCmd{&cfg}, "")
	subcommands.Register(&enableCmd{&cfg}, "")
	subcommands.Register(&disableCmd{&cfg}, "")
	subcommands.Register(&statusCmd{&cfg}, "")
	subcommands.Register(&unloadCmd{&cfg}, "")

	flag.Parse()
	hvlog.Default = hvlog.New(hvlog.ParseLevel(cfg.LogVerbosity))

	os.Exit(int(subcommands.Execute(context.Background())))
}
