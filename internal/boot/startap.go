package boot

import (
	"context"
	"fmt"

	"github.com/tinyrange/xmonboot/internal/smp"
)

// RunStartAP is the last stage. It wakes init32.NumOfAPs processors, records
// the processor count in the startup struct, enters the hypervisor on every
// AP and finally on the bootstrap processor.
func RunStartAP(ctx context.Context, env Env, init32 Init32, startupAddr, entry uint64) error {
	env = env.withDefaults()
	if env.Launcher == nil {
		return failf(LoaderThunkFailed, "no launcher")
	}

	aps := 0
	if init32.NumOfAPs > 0 {
		if init32.LowMemoryPage == 0 {
			return failf(LoaderNoAPWakeupAddress, "%d APs without a wakeup page", init32.NumOfAPs)
		}
		aps = int(init32.NumOfAPs)
	}

	startup, err := ReadStartup(env.Mem, startupAddr)
	if err != nil {
		return fail(LoaderThunkFailed, err)
	}
	if startup.Flags&FlagPostOSLaunch == 0 {
		startup.ProcessorsAtBoot = uint16(aps + 1)
		if err := WriteStartup(env.Mem, startupAddr, startup); err != nil {
			return fail(LoaderThunkFailed, err)
		}
	}

	launch := func(cpu int) error {
		return env.Launcher.Launch(ctx, cpu, entry, startupAddr)
	}

	if aps > 0 {
		r := smp.NewRendezvous(aps)
		g := smp.StartAPs(ctx, aps, r, env.InitAP)
		err := r.Release(launch)
		if werr := g.Wait(); err == nil {
			err = werr
		}
		if err != nil {
			return fail(LoaderThunkFailed, fmt.Errorf("application processors: %w", err))
		}
		env.Logger.Debug("hypervisor entered on APs", "count", r.Ready())
	}

	if err := launch(0); err != nil {
		return fail(LoaderThunkFailed, fmt.Errorf("bootstrap processor: %w", err))
	}
	return nil
}
