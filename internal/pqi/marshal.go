package pqi

import (
	"encoding/binary"
	"errors"
)

// ErrInsufficientData is returned when Unmarshal is handed a buffer shorter
// than the wire size of the target IU.
var ErrInsufficientData = errors.New("pqi: insufficient data for wire format")

// PutHeader writes an IUHeader at buf[0:10].
func PutHeader(buf []byte, h IUHeader) {
	buf[0] = h.Type
	buf[1] = h.CompatibleFeatures
	binary.LittleEndian.PutUint16(buf[2:4], h.Length)
	binary.LittleEndian.PutUint16(buf[4:6], h.QueueID)
	binary.LittleEndian.PutUint16(buf[6:8], h.WorkArea)
	binary.LittleEndian.PutUint16(buf[8:10], h.RequestID)
}

// GetHeader reads an IUHeader from buf[0:10].
func GetHeader(buf []byte) IUHeader {
	return IUHeader{
		Type:               buf[0],
		CompatibleFeatures: buf[1],
		Length:             binary.LittleEndian.Uint16(buf[2:4]),
		QueueID:            binary.LittleEndian.Uint16(buf[4:6]),
		WorkArea:           binary.LittleEndian.Uint16(buf[6:8]),
		RequestID:          binary.LittleEndian.Uint16(buf[8:10]),
	}
}

// PutSglDescriptor writes a 16-byte SglDescriptor at buf[0:16].
func PutSglDescriptor(buf []byte, d SglDescriptor) {
	binary.LittleEndian.PutUint64(buf[0:8], d.Address)
	binary.LittleEndian.PutUint32(buf[8:12], d.Length)
	copy(buf[12:15], d.Reserved[:])
	buf[15] = d.DescriptorType
}

// GetSglDescriptor reads a 16-byte SglDescriptor from buf[0:16].
func GetSglDescriptor(buf []byte) SglDescriptor {
	var d SglDescriptor
	d.Address = binary.LittleEndian.Uint64(buf[0:8])
	d.Length = binary.LittleEndian.Uint32(buf[8:12])
	copy(d.Reserved[:], buf[12:15])
	d.DescriptorType = buf[15]
	return d
}

// MarshalLimitedCmdIU encodes a LimitedCmdIU into a freshly allocated
// 64-byte buffer.
func MarshalLimitedCmdIU(r *LimitedCmdIU) []byte {
	buf := make([]byte, LimitedCmdIUSize)
	PutHeader(buf, r.Header)
	buf[10] = r.Flags
	buf[11] = r.Reserved
	binary.LittleEndian.PutUint32(buf[12:16], r.XferSize)
	copy(buf[16:32], r.CDB[:])
	PutSglDescriptor(buf[32:48], r.SG[0])
	PutSglDescriptor(buf[48:64], r.SG[1])
	return buf
}

// UnmarshalLimitedCmdIU decodes a LimitedCmdIU from a 64-byte buffer.
func UnmarshalLimitedCmdIU(data []byte, r *LimitedCmdIU) error {
	if len(data) < LimitedCmdIUSize {
		return ErrInsufficientData
	}
	r.Header = GetHeader(data)
	r.Flags = data[10]
	r.Reserved = data[11]
	r.XferSize = binary.LittleEndian.Uint32(data[12:16])
	copy(r.CDB[:], data[16:32])
	r.SG[0] = GetSglDescriptor(data[32:48])
	r.SG[1] = GetSglDescriptor(data[48:64])
	return nil
}

// MarshalCmdResponse encodes a CmdResponse into a freshly allocated 64-byte
// buffer.
func MarshalCmdResponse(r *CmdResponse) []byte {
	buf := make([]byte, CmdResponseSize)
	PutHeader(buf, r.Header)
	binary.LittleEndian.PutUint16(buf[10:12], r.NexusID)
	buf[12] = r.DataInXferResult
	buf[13] = r.DataOutXferResult
	copy(buf[14:17], r.Reserved[:])
	buf[17] = r.Status
	binary.LittleEndian.PutUint16(buf[18:20], r.StatusQualifier)
	binary.LittleEndian.PutUint16(buf[20:22], r.SenseDataLen)
	binary.LittleEndian.PutUint16(buf[22:24], r.ResponseDataLen)
	binary.LittleEndian.PutUint32(buf[24:28], r.DataInXferred)
	binary.LittleEndian.PutUint32(buf[28:32], r.DataOutXferred)
	copy(buf[32:64], r.Data[:])
	return buf
}

// UnmarshalCmdResponse decodes a CmdResponse from a 64-byte buffer.
func UnmarshalCmdResponse(data []byte, r *CmdResponse) error {
	if len(data) < CmdResponseSize {
		return ErrInsufficientData
	}
	r.Header = GetHeader(data)
	r.NexusID = binary.LittleEndian.Uint16(data[10:12])
	r.DataInXferResult = data[12]
	r.DataOutXferResult = data[13]
	copy(r.Reserved[:], data[14:17])
	r.Status = data[17]
	r.StatusQualifier = binary.LittleEndian.Uint16(data[18:20])
	r.SenseDataLen = binary.LittleEndian.Uint16(data[20:22])
	r.ResponseDataLen = binary.LittleEndian.Uint16(data[22:24])
	r.DataInXferred = binary.LittleEndian.Uint32(data[24:28])
	r.DataOutXferred = binary.LittleEndian.Uint32(data[28:32])
	copy(r.Data[:], data[32:64])
	return nil
}

// MarshalReportCapabilityIU encodes a ReportCapabilityIU into a freshly
// allocated 64-byte buffer.
func MarshalReportCapabilityIU(r *ReportCapabilityIU) []byte {
	buf := make([]byte, ReportCapabilityIUSize)
	PutHeader(buf, r.Header)
	buf[10] = r.FunctionCode
	copy(buf[11:44], r.Reserved[:])
	binary.LittleEndian.PutUint32(buf[44:48], r.BufferSize)
	PutSglDescriptor(buf[48:64], r.SG)
	return buf
}

// UnmarshalReportCapabilityResponse decodes a ReportCapabilityResponse from a
// 64-byte buffer.
func UnmarshalReportCapabilityResponse(data []byte, r *ReportCapabilityResponse) error {
	if len(data) < ReportCapabilityResponseSize {
		return ErrInsufficientData
	}
	r.Header = GetHeader(data)
	r.FunctionCode = data[10]
	r.Status = data[11]
	r.AdditionalStatus = binary.LittleEndian.Uint32(data[12:16])
	copy(r.Reserved[:], data[16:64])
	return nil
}

// UnmarshalReportCapabilityIU decodes a ReportCapabilityIU from a 64-byte
// buffer. Used by the controller side to read a host-submitted request.
func UnmarshalReportCapabilityIU(data []byte, r *ReportCapabilityIU) error {
	if len(data) < ReportCapabilityIUSize {
		return ErrInsufficientData
	}
	r.Header = GetHeader(data)
	r.FunctionCode = data[10]
	copy(r.Reserved[:], data[11:44])
	r.BufferSize = binary.LittleEndian.Uint32(data[44:48])
	r.SG = GetSglDescriptor(data[48:64])
	return nil
}

// MarshalReportCapabilityResponse encodes a ReportCapabilityResponse into a
// freshly allocated 64-byte buffer. Used by the controller side.
func MarshalReportCapabilityResponse(r *ReportCapabilityResponse) []byte {
	buf := make([]byte, ReportCapabilityResponseSize)
	PutHeader(buf, r.Header)
	buf[10] = r.FunctionCode
	buf[11] = r.Status
	binary.LittleEndian.PutUint32(buf[12:16], r.AdditionalStatus)
	copy(buf[16:64], r.Reserved[:])
	return buf
}

// MarshalDeviceCapabilities encodes a DeviceCapabilities payload into a
// freshly allocated buffer, the controller-side counterpart to
// UnmarshalDeviceCapabilities.
func MarshalDeviceCapabilities(c *DeviceCapabilities) []byte {
	buf := make([]byte, DeviceCapabilitiesSize)
	binary.LittleEndian.PutUint16(buf[0:2], c.Length)
	copy(buf[2:16], c.Reserved[:])
	binary.LittleEndian.PutUint16(buf[16:18], c.MaxIQs)
	binary.LittleEndian.PutUint16(buf[18:20], c.MaxIQElements)
	copy(buf[20:24], c.Reserved2[:])
	binary.LittleEndian.PutUint16(buf[24:26], c.MaxIQElementLength)
	binary.LittleEndian.PutUint16(buf[26:28], c.MinIQElementLength)
	binary.LittleEndian.PutUint16(buf[28:30], c.MaxOQs)
	binary.LittleEndian.PutUint16(buf[30:32], c.MaxOQElements)
	copy(buf[32:34], c.Reserved3[:])
	binary.LittleEndian.PutUint16(buf[34:36], c.IntrCoalescingTimeGranularity)
	binary.LittleEndian.PutUint16(buf[36:38], c.MaxOQElementLength)
	binary.LittleEndian.PutUint16(buf[38:40], c.MinOQElementLength)
	buf[40] = c.IQAlignmentExponent
	buf[41] = c.OQAlignmentExponent
	buf[42] = c.IQCIAlignmentExponent
	buf[43] = c.OQPIAlignmentExponent
	binary.LittleEndian.PutUint32(buf[44:48], c.ProtocolSupportBitmask)
	binary.LittleEndian.PutUint16(buf[48:50], c.AdminSGLSupportBitmask)
	copy(buf[50:52], c.Reserved4[:])
	return buf
}

// UnmarshalDeviceCapabilities decodes the capability payload a
// ReportCapabilityIU deposits into its target buffer.
func UnmarshalDeviceCapabilities(data []byte, c *DeviceCapabilities) error {
	if len(data) < DeviceCapabilitiesSize {
		return ErrInsufficientData
	}
	c.Length = binary.LittleEndian.Uint16(data[0:2])
	copy(c.Reserved[:], data[2:16])
	c.MaxIQs = binary.LittleEndian.Uint16(data[16:18])
	c.MaxIQElements = binary.LittleEndian.Uint16(data[18:20])
	copy(c.Reserved2[:], data[20:24])
	c.MaxIQElementLength = binary.LittleEndian.Uint16(data[24:26])
	c.MinIQElementLength = binary.LittleEndian.Uint16(data[26:28])
	c.MaxOQs = binary.LittleEndian.Uint16(data[28:30])
	c.MaxOQElements = binary.LittleEndian.Uint16(data[30:32])
	copy(c.Reserved3[:], data[32:34])
	c.IntrCoalescingTimeGranularity = binary.LittleEndian.Uint16(data[34:36])
	c.MaxOQElementLength = binary.LittleEndian.Uint16(data[36:38])
	c.MinOQElementLength = binary.LittleEndian.Uint16(data[38:40])
	c.IQAlignmentExponent = data[40]
	c.OQAlignmentExponent = data[41]
	c.IQCIAlignmentExponent = data[42]
	c.OQPIAlignmentExponent = data[43]
	c.ProtocolSupportBitmask = binary.LittleEndian.Uint32(data[44:48])
	c.AdminSGLSupportBitmask = binary.LittleEndian.Uint16(data[48:50])
	copy(c.Reserved4[:], data[50:52])
	return nil
}

// MarshalCreateOperationalQueueIU encodes a CreateOperationalQueueIU into a
// freshly allocated 64-byte buffer.
func MarshalCreateOperationalQueueIU(r *CreateOperationalQueueIU) []byte {
	buf := make([]byte, CreateOperationalQueueIUSize)
	PutHeader(buf, r.Header)
	buf[10] = r.FunctionCode
	buf[11] = r.Reserved
	binary.LittleEndian.PutUint16(buf[12:14], r.QueueID)
	copy(buf[14:16], r.Reserved2[:])
	binary.LittleEndian.PutUint64(buf[16:24], r.ElementArrayAddr)
	binary.LittleEndian.PutUint64(buf[24:32], r.IndexAddr)
	binary.LittleEndian.PutUint16(buf[32:34], r.NElements)
	binary.LittleEndian.PutUint16(buf[34:36], r.ElementLength)
	binary.LittleEndian.PutUint16(buf[36:38], r.Protocol.InterruptMessageNumber)
	buf[38] = r.Protocol.OperationalQueueProtocol
	copy(buf[39:47], r.Protocol.Reserved[:])
	buf[47] = r.Protocol.CoalescingDisable
	copy(buf[48:64], r.Reserved3[:])
	return buf
}

// UnmarshalCreateOperationalQueueResponse decodes a
// CreateOperationalQueueResponse from a 64-byte buffer.
func UnmarshalCreateOperationalQueueResponse(data []byte, r *CreateOperationalQueueResponse) error {
	if len(data) < CreateOperationalQueueResponseSize {
		return ErrInsufficientData
	}
	r.Header = GetHeader(data)
	r.FunctionCode = data[10]
	r.Status = data[11]
	copy(r.Reserved[:], data[12:16])
	r.IndexOffset = binary.LittleEndian.Uint64(data[16:24])
	copy(r.Reserved2[:], data[24:64])
	return nil
}

// UnmarshalCreateOperationalQueueIU decodes a CreateOperationalQueueIU from a
// 64-byte buffer. Used by the controller side to read a host-submitted
// request.
func UnmarshalCreateOperationalQueueIU(data []byte, r *CreateOperationalQueueIU) error {
	if len(data) < CreateOperationalQueueIUSize {
		return ErrInsufficientData
	}
	r.Header = GetHeader(data)
	r.FunctionCode = data[10]
	r.Reserved = data[11]
	r.QueueID = binary.LittleEndian.Uint16(data[12:14])
	copy(r.Reserved2[:], data[14:16])
	r.ElementArrayAddr = binary.LittleEndian.Uint64(data[16:24])
	r.IndexAddr = binary.LittleEndian.Uint64(data[24:32])
	r.NElements = binary.LittleEndian.Uint16(data[32:34])
	r.ElementLength = binary.LittleEndian.Uint16(data[34:36])
	r.Protocol.InterruptMessageNumber = binary.LittleEndian.Uint16(data[36:38])
	r.Protocol.OperationalQueueProtocol = data[38]
	copy(r.Protocol.Reserved[:], data[39:47])
	r.Protocol.CoalescingDisable = data[47]
	copy(r.Reserved3[:], data[48:64])
	return nil
}

// MarshalCreateOperationalQueueResponse encodes a
// CreateOperationalQueueResponse into a freshly allocated 64-byte buffer.
func MarshalCreateOperationalQueueResponse(r *CreateOperationalQueueResponse) []byte {
	buf := make([]byte, CreateOperationalQueueResponseSize)
	PutHeader(buf, r.Header)
	buf[10] = r.FunctionCode
	buf[11] = r.Status
	copy(buf[12:16], r.Reserved[:])
	binary.LittleEndian.PutUint64(buf[16:24], r.IndexOffset)
	copy(buf[24:64], r.Reserved2[:])
	return buf
}

// MarshalDeleteOperationalQueueIU encodes a DeleteOperationalQueueIU into a
// freshly allocated 64-byte buffer.
func MarshalDeleteOperationalQueueIU(r *DeleteOperationalQueueIU) []byte {
	buf := make([]byte, DeleteOperationalQueueIUSize)
	PutHeader(buf, r.Header)
	buf[10] = r.FunctionCode
	buf[11] = r.Reserved
	binary.LittleEndian.PutUint16(buf[12:14], r.QueueID)
	copy(buf[14:16], r.Reserved2[:])
	copy(buf[16:64], r.Padding[:])
	return buf
}

// UnmarshalDeleteOperationalQueueResponse decodes a
// DeleteOperationalQueueResponse from a 64-byte buffer.
func UnmarshalDeleteOperationalQueueResponse(data []byte, r *DeleteOperationalQueueResponse) error {
	if len(data) < DeleteOperationalQueueResponseSize {
		return ErrInsufficientData
	}
	r.Header = GetHeader(data)
	r.FunctionCode = data[10]
	r.Status = data[11]
	copy(r.Reserved[:], data[12:64])
	return nil
}

// UnmarshalDeleteOperationalQueueIU decodes a DeleteOperationalQueueIU from a
// 64-byte buffer. Used by the controller side to read a host-submitted
// request.
func UnmarshalDeleteOperationalQueueIU(data []byte, r *DeleteOperationalQueueIU) error {
	if len(data) < DeleteOperationalQueueIUSize {
		return ErrInsufficientData
	}
	r.Header = GetHeader(data)
	r.FunctionCode = data[10]
	r.Reserved = data[11]
	r.QueueID = binary.LittleEndian.Uint16(data[12:14])
	copy(r.Reserved2[:], data[14:16])
	copy(r.Padding[:], data[16:64])
	return nil
}

// MarshalDeleteOperationalQueueResponse encodes a
// DeleteOperationalQueueResponse into a freshly allocated 64-byte buffer.
func MarshalDeleteOperationalQueueResponse(r *DeleteOperationalQueueResponse) []byte {
	buf := make([]byte, DeleteOperationalQueueResponseSize)
	PutHeader(buf, r.Header)
	buf[10] = r.FunctionCode
	buf[11] = r.Status
	copy(buf[12:64], r.Reserved[:])
	return buf
}

// MarshalTaskMgmtIU encodes a TaskMgmtIU into a freshly allocated 32-byte
// buffer.
func MarshalTaskMgmtIU(r *TaskMgmtIU) []byte {
	buf := make([]byte, TaskMgmtIUSize)
	PutHeader(buf, r.Header)
	binary.LittleEndian.PutUint16(buf[10:12], r.NexusID)
	copy(buf[12:16], r.Reserved[:])
	binary.LittleEndian.PutUint64(buf[16:24], r.LUN)
	binary.LittleEndian.PutUint16(buf[24:26], r.ProtocolSpecific)
	copy(buf[26:28], r.Reserved2[:])
	binary.LittleEndian.PutUint16(buf[28:30], r.RequestIDToManage)
	buf[30] = r.TaskMgmtFunction
	buf[31] = r.Reserved3
	return buf
}

// UnmarshalTaskMgmtResponse decodes a TaskMgmtResponse from a 16-byte buffer.
func UnmarshalTaskMgmtResponse(data []byte, r *TaskMgmtResponse) error {
	if len(data) < TaskMgmtResponseSize {
		return ErrInsufficientData
	}
	r.Header = GetHeader(data)
	r.NexusID = binary.LittleEndian.Uint16(data[10:12])
	copy(r.AdditionalResponseInfo[:], data[12:15])
	r.ResponseCode = data[15]
	return nil
}

// UnmarshalTaskMgmtIU decodes a TaskMgmtIU from a 32-byte buffer. Used by the
// controller side to read a host-submitted request.
func UnmarshalTaskMgmtIU(data []byte, r *TaskMgmtIU) error {
	if len(data) < TaskMgmtIUSize {
		return ErrInsufficientData
	}
	r.Header = GetHeader(data)
	r.NexusID = binary.LittleEndian.Uint16(data[10:12])
	copy(r.Reserved[:], data[12:16])
	r.LUN = binary.LittleEndian.Uint64(data[16:24])
	r.ProtocolSpecific = binary.LittleEndian.Uint16(data[24:26])
	copy(r.Reserved2[:], data[26:28])
	r.RequestIDToManage = binary.LittleEndian.Uint16(data[28:30])
	r.TaskMgmtFunction = data[30]
	r.Reserved3 = data[31]
	return nil
}

// MarshalTaskMgmtResponse encodes a TaskMgmtResponse into a freshly allocated
// 16-byte buffer.
func MarshalTaskMgmtResponse(r *TaskMgmtResponse) []byte {
	buf := make([]byte, TaskMgmtResponseSize)
	PutHeader(buf, r.Header)
	binary.LittleEndian.PutUint16(buf[10:12], r.NexusID)
	copy(buf[12:15], r.AdditionalResponseInfo[:])
	buf[15] = r.ResponseCode
	return buf
}

// UnmarshalManagementResponse decodes a ManagementResponse from a 16-byte
// buffer.
func UnmarshalManagementResponse(data []byte, r *ManagementResponse) error {
	if len(data) < ManagementResponseSize {
		return ErrInsufficientData
	}
	r.Header = GetHeader(data)
	r.Result = data[10]
	copy(r.Reserved[:], data[11:16])
	return nil
}

// MarshalManagementResponse encodes a ManagementResponse into a freshly
// allocated 16-byte buffer.
func MarshalManagementResponse(r *ManagementResponse) []byte {
	buf := make([]byte, ManagementResponseSize)
	PutHeader(buf, r.Header)
	buf[10] = r.Result
	copy(buf[11:16], r.Reserved[:])
	return buf
}
