package pqi

import (
	"testing"
	"unsafe"
)

// Test that every wire struct has the byte size the register/IU table demands.
func TestStructSizes(t *testing.T) {
	tests := []struct {
		name     string
		size     uintptr
		expected int
	}{
		{"IUHeader", unsafe.Sizeof(IUHeader{}), 10},
		{"SglDescriptor", unsafe.Sizeof(SglDescriptor{}), 16},
		{"LimitedCmdIU", unsafe.Sizeof(LimitedCmdIU{}), 64},
		{"CmdResponse", unsafe.Sizeof(CmdResponse{}), 64},
		{"ReportCapabilityIU", unsafe.Sizeof(ReportCapabilityIU{}), 64},
		{"ReportCapabilityResponse", unsafe.Sizeof(ReportCapabilityResponse{}), 64},
		{"DeviceCapabilities", unsafe.Sizeof(DeviceCapabilities{}), 52},
		{"CreateOperationalQueueIU", unsafe.Sizeof(CreateOperationalQueueIU{}), 64},
		{"CreateOperationalQueueResponse", unsafe.Sizeof(CreateOperationalQueueResponse{}), 64},
		{"DeleteOperationalQueueIU", unsafe.Sizeof(DeleteOperationalQueueIU{}), 64},
		{"DeleteOperationalQueueResponse", unsafe.Sizeof(DeleteOperationalQueueResponse{}), 64},
		{"TaskMgmtIU", unsafe.Sizeof(TaskMgmtIU{}), 32},
		{"TaskMgmtResponse", unsafe.Sizeof(TaskMgmtResponse{}), 16},
		{"ManagementResponse", unsafe.Sizeof(ManagementResponse{}), 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if int(tt.size) != tt.expected {
				t.Errorf("%s size = %d, want %d", tt.name, tt.size, tt.expected)
			}
		})
	}
}

func TestQueueIDDirectionBit(t *testing.T) {
	if got := QueueID(0, true); got != 1 {
		t.Errorf("QueueID(0, toDevice=true) = %d, want 1", got)
	}
	if got := QueueID(0, false); got != 0 {
		t.Errorf("QueueID(0, toDevice=false) = %d, want 0", got)
	}
	if got := QueueID(3, true); got != 7 {
		t.Errorf("QueueID(3, toDevice=true) = %d, want 7", got)
	}
	if got := QueueID(3, false); got != 6 {
		t.Errorf("QueueID(3, toDevice=false) = %d, want 6", got)
	}
}

func TestLimitedCmdIURoundTrip(t *testing.T) {
	orig := &LimitedCmdIU{
		Header: IUHeader{
			Type:      IUTypeLimitedCmd,
			Length:    LimitedCmdIUSize - 4,
			QueueID:   5,
			RequestID: 0x1234,
		},
		Flags:    uint8(DirFromDevice),
		XferSize: 4096,
		CDB:      [16]byte{0x28, 0, 0, 0, 0, 1},
		SG: [2]SglDescriptor{
			{Address: 0xdeadbeef, Length: 4096, DescriptorType: SGLTypeStandardLastSeg},
			{},
		},
	}

	buf := MarshalLimitedCmdIU(orig)
	if len(buf) != LimitedCmdIUSize {
		t.Fatalf("marshaled length = %d, want %d", len(buf), LimitedCmdIUSize)
	}

	// xfer_size must land at wire offset 12, matching the register/IU layout.
	if buf[12] != 0x00 || buf[13] != 0x10 {
		t.Errorf("xfer_size not encoded at offset 12: %v", buf[12:16])
	}

	var got LimitedCmdIU
	if err := UnmarshalLimitedCmdIU(buf, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got != *orig {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, *orig)
	}
}

func TestLimitedCmdIUShortBuffer(t *testing.T) {
	var got LimitedCmdIU
	if err := UnmarshalLimitedCmdIU(make([]byte, 10), &got); err != ErrInsufficientData {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
}

func TestCmdResponseRoundTrip(t *testing.T) {
	orig := &CmdResponse{
		Header:          IUHeader{Type: IUTypeCmdResponse, RequestID: 7},
		Status:          1,
		SenseDataLen:    18,
		DataInXferred:   512,
		DataOutXferred:  0,
	}
	copy(orig.Data[:], []byte{0x70, 0x00, 0x05})

	buf := MarshalCmdResponse(orig)
	var got CmdResponse
	if err := UnmarshalCmdResponse(buf, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got != *orig {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, *orig)
	}
}

func TestCreateOperationalQueueRoundTrip(t *testing.T) {
	orig := &CreateOperationalQueueIU{
		Header:           IUHeader{Type: IUTypeCreateOperationalQ, RequestID: 1},
		FunctionCode:     1,
		QueueID:          QueueID(2, true),
		ElementArrayAddr: 0x1000,
		IndexAddr:        0x2000,
		NElements:        256,
		ElementLength:    4, // 64 / 16
	}
	orig.Protocol.InterruptMessageNumber = 3

	buf := MarshalCreateOperationalQueueIU(orig)
	if len(buf) != CreateOperationalQueueIUSize {
		t.Fatalf("marshaled length = %d, want %d", len(buf), CreateOperationalQueueIUSize)
	}
	if buf[12] != 5 || buf[13] != 0 {
		t.Errorf("queue_id not encoded at offset 12: %v", buf[12:14])
	}
}

func TestDeviceCapabilitiesRoundTrip(t *testing.T) {
	data := make([]byte, DeviceCapabilitiesSize)
	data[16], data[17] = 8, 0  // MaxIQs = 8
	data[40] = 2               // IQAlignmentExponent

	var caps DeviceCapabilities
	if err := UnmarshalDeviceCapabilities(data, &caps); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if caps.MaxIQs != 8 {
		t.Errorf("MaxIQs = %d, want 8", caps.MaxIQs)
	}
	if caps.IQAlignmentExponent != 2 {
		t.Errorf("IQAlignmentExponent = %d, want 2", caps.IQAlignmentExponent)
	}
}

func TestTaskMgmtIUEncoding(t *testing.T) {
	orig := &TaskMgmtIU{
		Header:            IUHeader{Type: IUTypeTaskMgmt, RequestID: 9},
		LUN:               0,
		RequestIDToManage: 0x0042,
		TaskMgmtFunction:  TMFAbortTask,
	}
	buf := MarshalTaskMgmtIU(orig)
	if len(buf) != TaskMgmtIUSize {
		t.Fatalf("marshaled length = %d, want %d", len(buf), TaskMgmtIUSize)
	}
	if buf[30] != TMFAbortTask {
		t.Errorf("task_mgmt_function not encoded at offset 30: %v", buf[30])
	}
}
