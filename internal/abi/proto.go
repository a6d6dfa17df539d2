package abi

// Kernel protocol identifiers carried in the tag label.
const (
	ProtoNone         int64 = 0
	ProtoIRQ          int64 = -1
	ProtoPageFault    int64 = -2
	ProtoPreemption   int64 = -3
	ProtoSysException int64 = -4
	ProtoException    int64 = -5
	ProtoSigma0       int64 = -6
	ProtoIOPageFault  int64 = -8
	ProtoKobject      int64 = -10
	ProtoTask         int64 = -11
	ProtoThread       int64 = -12
	ProtoLog          int64 = -13
	ProtoScheduler    int64 = -14
	ProtoFactory      int64 = -15
	ProtoVM           int64 = -16
	ProtoIRQSender    int64 = -18
	ProtoEmpty        int64 = -19
	ProtoSemaphore    int64 = -20
	ProtoMeta         int64 = -21

	// ProtoDataspace is a user-level protocol served by the kernel's dataspace objects.
	ProtoDataspace int64 = 0x4000
)

var protoNames = map[int64]string{
	ProtoNone:         "none",
	ProtoIRQ:          "irq",
	ProtoPageFault:    "page_fault",
	ProtoPreemption:   "preemption",
	ProtoSysException: "sys_exception",
	ProtoException:    "exception",
	ProtoSigma0:       "sigma0",
	ProtoIOPageFault:  "io_page_fault",
	ProtoKobject:      "kobject",
	ProtoTask:         "task",
	ProtoThread:       "thread",
	ProtoLog:          "log",
	ProtoScheduler:    "scheduler",
	ProtoFactory:      "factory",
	ProtoVM:           "vm",
	ProtoIRQSender:    "irq_sender",
	ProtoEmpty:        "empty",
	ProtoSemaphore:    "semaphore",
	ProtoMeta:         "meta",
	ProtoDataspace:    "dataspace",
}

// ProtoName returns a short name for a protocol label, or "user" for
// labels outside the kernel range.
func ProtoName(label int64) string {
	if name, ok := protoNames[label]; ok {
		return name
	}
	return "user"
}
