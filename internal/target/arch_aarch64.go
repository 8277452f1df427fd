//go:build !kiln_no_aarch64

package target

func init() {
	register(&backend{
		arch: ArchAArch64,
		layouts: map[string]string{
			OSLinux:   "e-m:e-i8:8:32-i16:16:32-i64:64-i128:128-n32:64-S128",
			OSDarwin:  "e-m:o-i64:64-i128:128-n32:64-S128",
			OSWindows: "e-m:w-p:64:64-i32:32-i64:64-i128:128-n32:64-S128",
		},
		cpus: []string{
			"cortex-a53", "cortex-a72", "cortex-a76", "neoverse-n1", "neoverse-v1",
			"apple-m1", "apple-m2", "apple-m3",
		},
	})
}
