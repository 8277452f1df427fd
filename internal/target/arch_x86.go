//go:build !kiln_no_x86

package target

const x86Common = "-p270:32:32-p271:32:32-p272:64:64-i64:64-i128:128-f80:128-n8:16:32:64-S128"

func init() {
	register(&backend{
		arch: ArchX86_64,
		layouts: map[string]string{
			OSLinux:   "e-m:e" + x86Common,
			OSDarwin:  "e-m:o" + x86Common,
			OSWindows: "e-m:w" + x86Common,
		},
		cpus: []string{
			"x86-64", "x86-64-v2", "x86-64-v3", "x86-64-v4",
			"core2", "nehalem", "haswell", "skylake", "znver2", "znver3", "znver4",
		},
	})
	register(&backend{
		arch: ArchI686,
		layouts: map[string]string{
			OSLinux:   "e-m:e-p:32:32-p270:32:32-p271:32:32-p272:64:64-i128:128-f64:32:64-f80:32-n8:16:32-S128",
			OSWindows: "e-m:x-p:32:32-p270:32:32-p271:32:32-p272:64:64-i64:64-i128:128-f80:128-n8:16:32-a:0:32-S32",
		},
		cpus: []string{"i686", "pentium4", "prescott"},
	})
}
