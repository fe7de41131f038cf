package pqi

import "unsafe"

// IUHeader is the 10-byte prologue shared by every Information Unit exchanged
// over an admin or operational queue pair. response_oq and queue_id occupy
// the same wire offset depending on which direction the IU travels; both
// names are kept on separate aliasing helpers rather than the struct itself
// so callers don't have to remember which meaning applies.
type IUHeader struct {
	Type                uint8
	CompatibleFeatures  uint8
	Length              uint16 // declared length; actual IU size is Length+4
	QueueID             uint16 // response_oq on a request, queue_id on a response
	WorkArea            uint16
	RequestID           uint16
}

const IUHeaderSize = 10

var _ [IUHeaderSize]byte = [unsafe.Sizeof(IUHeader{})]byte{}

// SglDescriptor is one scatter/gather element, inline or in the overflow
// area. 16 bytes, per the capability report's sg_alignment_exponent and the
// Limited Command IU's two inline descriptors.
type SglDescriptor struct {
	Address        uint64
	Length         uint32
	Reserved       [3]byte
	DescriptorType uint8
}

const SglDescriptorSize = 16

var _ [SglDescriptorSize]byte = [unsafe.Sizeof(SglDescriptor{})]byte{}

// LimitedCmdIU carries a SCSI command with up to two inline scatter/gather
// descriptors. 64 bytes total; commands needing more than two segments chain
// the second descriptor to an overflow area (§4.6).
type LimitedCmdIU struct {
	Header   IUHeader
	Flags    uint8 // data direction, bit 0..1
	Reserved uint8
	XferSize uint32
	CDB      [16]byte
	SG       [2]SglDescriptor
}

const LimitedCmdIUSize = 64

var _ [LimitedCmdIUSize]byte = [unsafe.Sizeof(LimitedCmdIU{})]byte{}

// CmdResponse is the completion IU for a Limited Command IU. 64 bytes; sense
// data and any additional response data share the trailing 32-byte area,
// selected by SenseDataLen / ResponseDataLen.
type CmdResponse struct {
	Header           IUHeader
	NexusID          uint16
	DataInXferResult uint8
	DataOutXferResult uint8
	Reserved         [3]byte
	Status           uint8
	StatusQualifier  uint16
	SenseDataLen     uint16
	ResponseDataLen  uint16
	DataInXferred    uint32
	DataOutXferred   uint32
	Data             [32]byte // sense bytes, or response sub-code + args
}

const CmdResponseSize = 64

var _ [CmdResponseSize]byte = [unsafe.Sizeof(CmdResponse{})]byte{}

// ReportCapabilityIU requests the device's capability report, delivered into
// the buffer addressed by SG. 64 bytes.
type ReportCapabilityIU struct {
	Header       IUHeader
	FunctionCode uint8
	Reserved     [33]byte
	BufferSize   uint32
	SG           SglDescriptor
}

const ReportCapabilityIUSize = 64

var _ [ReportCapabilityIUSize]byte = [unsafe.Sizeof(ReportCapabilityIU{})]byte{}

// ReportCapabilityResponse acknowledges a ReportCapabilityIU. The capability
// payload itself lands in the buffer addressed by the request's SG, not in
// this IU. 64 bytes.
type ReportCapabilityResponse struct {
	Header           IUHeader
	FunctionCode     uint8
	Status           uint8
	AdditionalStatus uint32
	Reserved         [48]byte
}

const ReportCapabilityResponseSize = 64

var _ [ReportCapabilityResponseSize]byte = [unsafe.Sizeof(ReportCapabilityResponse{})]byte{}

// DeviceCapabilities is the payload a ReportCapabilityIU deposits into its
// target buffer: queue limits, element-size bounds, and alignment exponents
// the driver must honor when sizing and placing operational queues (§4.4).
type DeviceCapabilities struct {
	Length                       uint16
	Reserved                     [14]byte
	MaxIQs                       uint16
	MaxIQElements                uint16
	Reserved2                    [4]byte
	MaxIQElementLength           uint16
	MinIQElementLength           uint16
	MaxOQs                       uint16
	MaxOQElements                uint16
	Reserved3                    [2]byte
	IntrCoalescingTimeGranularity uint16
	MaxOQElementLength           uint16
	MinOQElementLength           uint16
	IQAlignmentExponent          uint8
	OQAlignmentExponent          uint8
	IQCIAlignmentExponent        uint8
	OQPIAlignmentExponent        uint8
	ProtocolSupportBitmask       uint32
	AdminSGLSupportBitmask       uint16
	Reserved4                    [2]byte
}

const DeviceCapabilitiesSize = 52

var _ [DeviceCapabilitiesSize]byte = [unsafe.Sizeof(DeviceCapabilities{})]byte{}

// operationalQueueProtocol occupies the byte that, on an inbound queue,
// selects the submission protocol, and on an outbound queue, carries the
// MSI-X vector and coalescing settings. The two interpretations share wire
// space (the union in the original layout); CreateOperationalQueueIU exposes
// both views and the caller sets only the one matching Direction.
type operationalQueueProtocol struct {
	InterruptMessageNumber    uint16
	OperationalQueueProtocol  uint8
	Reserved                  [8]byte
	CoalescingDisable         uint8
}

const operationalQueueProtocolSize = 12

var _ [operationalQueueProtocolSize]byte = [unsafe.Sizeof(operationalQueueProtocol{})]byte{}

// CreateOperationalQueueIU asks the controller to create one half of an
// operational queue pair. 64 bytes.
type CreateOperationalQueueIU struct {
	Header           IUHeader
	FunctionCode     uint8
	Reserved         uint8
	QueueID          uint16
	Reserved2        [2]byte
	ElementArrayAddr uint64
	IndexAddr        uint64
	NElements        uint16
	ElementLength    uint16 // element size / 16
	Protocol         operationalQueueProtocol
	Reserved3        [11]byte
}

const CreateOperationalQueueIUSize = 64

var _ [CreateOperationalQueueIUSize]byte = [unsafe.Sizeof(CreateOperationalQueueIU{})]byte{}

// CreateOperationalQueueResponse acknowledges a CreateOperationalQueueIU and
// reports the register-file offset of the queue's producer/consumer index.
// 64 bytes.
type CreateOperationalQueueResponse struct {
	Header       IUHeader
	FunctionCode uint8
	Status       uint8
	Reserved     [4]byte
	IndexOffset  uint64
	Reserved2    [40]byte
}

const CreateOperationalQueueResponseSize = 64

var _ [CreateOperationalQueueResponseSize]byte = [unsafe.Sizeof(CreateOperationalQueueResponse{})]byte{}

// DeleteOperationalQueueIU asks the controller to tear down one queue.
type DeleteOperationalQueueIU struct {
	Header       IUHeader
	FunctionCode uint8
	Reserved     uint8
	QueueID      uint16
	Reserved2    [2]byte
	Padding      [48]byte
}

const DeleteOperationalQueueIUSize = 64

var _ [DeleteOperationalQueueIUSize]byte = [unsafe.Sizeof(DeleteOperationalQueueIU{})]byte{}

// DeleteOperationalQueueResponse acknowledges a DeleteOperationalQueueIU.
type DeleteOperationalQueueResponse struct {
	Header       IUHeader
	FunctionCode uint8
	Status       uint8
	Reserved     [52]byte
}

const DeleteOperationalQueueResponseSize = 64

var _ [DeleteOperationalQueueResponseSize]byte = [unsafe.Sizeof(DeleteOperationalQueueResponse{})]byte{}

// TaskMgmtIU requests abort-task or LUN-reset handling out of band from the
// normal completion path (§4.9). 32 bytes.
type TaskMgmtIU struct {
	Header             IUHeader
	NexusID            uint16
	Reserved           [4]byte
	LUN                uint64
	ProtocolSpecific   uint16
	Reserved2          [2]byte
	RequestIDToManage  uint16
	TaskMgmtFunction   uint8
	Reserved3          uint8
}

const TaskMgmtIUSize = 32

var _ [TaskMgmtIUSize]byte = [unsafe.Sizeof(TaskMgmtIU{})]byte{}

// TaskMgmtResponse reports the outcome of a TaskMgmtIU. 16 bytes.
type TaskMgmtResponse struct {
	Header                  IUHeader
	NexusID                 uint16
	AdditionalResponseInfo  [3]byte
	ResponseCode            uint8
}

const TaskMgmtResponseSize = 16

var _ [TaskMgmtResponseSize]byte = [unsafe.Sizeof(TaskMgmtResponse{})]byte{}

// ManagementResponse is a generic acknowledgement IU for admin functions that
// carry only a result code and no type-specific payload.
type ManagementResponse struct {
	Header   IUHeader
	Result   uint8
	Reserved [5]byte
}

const ManagementResponseSize = 16

var _ [ManagementResponseSize]byte = [unsafe.Sizeof(ManagementResponse{})]byte{}
