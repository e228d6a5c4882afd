package abi

// System call numbers understood by the kernel. They follow the table the
// userspace libc port is built against.
const (
	SysTCBSet    = 0
	SysFutexWait = 1
	SysFutexWake = 2
	SysClockGet  = 3
	SysExit      = 4
	SysSeek      = 5
	SysWrite     = 6
	SysRead      = 7
	SysClose     = 8
	SysOpen      = 9
	SysVMMap     = 10
	SysVMUnmap   = 11
	SysAnonAlloc = 12
	SysAnonFree  = 13
	SysLibcLog   = 14
)

var SyscallNames = map[int]string{
	SysTCBSet:    "tcb_set",
	SysFutexWait: "futex_wait",
	SysFutexWake: "futex_wake",
	SysClockGet:  "clock_get",
	SysExit:      "exit",
	SysSeek:      "seek",
	SysWrite:     "write",
	SysRead:      "read",
	SysClose:     "close",
	SysOpen:      "open",
	SysVMMap:     "vm_map",
	SysVMUnmap:   "vm_unmap",
	SysAnonAlloc: "anon_alloc",
	SysAnonFree:  "anon_free",
	SysLibcLog:   "libc_log",
}

// Protection bits for vm_map.
const (
	PROT_NONE  = 0x0
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4
)

// Flags for vm_map.
const (
	MAP_SHARED    = 0x01
	MAP_PRIVATE   = 0x02
	MAP_FIXED     = 0x10
	MAP_ANONYMOUS = 0x20
)

// Clock ids for clock_get.
const (
	CLOCK_REALTIME  = 0
	CLOCK_MONOTONIC = 1
	CLOCK_BOOTTIME  = 7
)
