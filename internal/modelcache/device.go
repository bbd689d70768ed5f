package modelcache

import "os"

// Device names accepted by [ResolveDevice].
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// ResolveDevice turns "auto" into "cuda" when an NVIDIA device node or
// CUDA_VISIBLE_DEVICES is present and "cpu" otherwise. Explicit devices pass
// through unchanged.
func ResolveDevice(configured string) string {
	return resolveDevice(configured, func(name string) bool {
		_, err := os.Stat(name)
		return err == nil
	}, os.LookupEnv)
}

func resolveDevice(configured string, exists func(string) bool, lookupEnv func(string) (string, bool)) string {
	if configured != "" && configured != DeviceAuto {
		return configured
	}
	if v, ok := lookupEnv("CUDA_VISIBLE_DEVICES"); ok && v != "" && v != "-1" {
		return DeviceCUDA
	}
	if exists("/dev/nvidia0") {
		return DeviceCUDA
	}
	return DeviceCPU
}
