// Package cpuid reads the host CPU's CPUID leaves. vmsh-go runs on the
// same physical machine as the hypervisor it attaches to, so a local
// CPUID instruction reports the same physical/virtual address widths
// the remote process's vCPUs see; physalloc uses this to size its guest
// physical address search space (spec §4.6, supplemented).
package cpuid

func cpuid_low(arg1, arg2 uint32) (eax, ebx, ecx, edx uint32) // implemented in cpuid_amd64.s

// CPUID executes the CPUID instruction for leaf with subleaf 0.
func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuid_low(leaf, 0)
}

// AddressWidths reads CPUID leaf 0x80000008.eax, which packs the
// physical and virtual address widths the CPU exposes into its low two
// bytes.
func AddressWidths() (physBits, virtBits uint8) {
	eax, _, _, _ := CPUID(0x80000008)

	return uint8(eax & 0xff), uint8((eax >> 8) & 0xff)
}
