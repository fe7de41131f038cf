package pqisop

import (
	"sync"

	"github.com/go-pqi/pqisop/internal/interfaces"
)

// MockBackend is a test double for interfaces.Backend: the upper SCSI
// mid-layer that Device.Submit calls back into via Complete. It records
// every completion so tests can assert on ordering, status, and residual
// without standing up internal/simdevice.
type MockBackend struct {
	mu          sync.Mutex
	completions []Completion
	depthCalls  []int
}

// Completion is one recorded call to Complete.
type Completion struct {
	Cmd          *interfaces.Command
	Status       interfaces.Status
	Residual     uint32
	SenseData    []byte
	TransportErr error
}

// NewMockBackend creates an empty MockBackend.
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// Complete implements interfaces.CompletionSink.
func (m *MockBackend) Complete(cmd *interfaces.Command, status interfaces.Status, residual uint32, senseData []byte, transportErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions = append(m.completions, Completion{
		Cmd:          cmd,
		Status:       status,
		Residual:     residual,
		SenseData:    senseData,
		TransportErr: transportErr,
	})
}

// QueueDepthChanged implements interfaces.Backend.
func (m *MockBackend) QueueDepthChanged(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depthCalls = append(m.depthCalls, depth)
}

// Completions returns a copy of every completion recorded so far.
func (m *MockBackend) Completions() []Completion {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Completion, len(m.completions))
	copy(out, m.completions)
	return out
}

// Count returns the number of completions recorded so far.
func (m *MockBackend) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completions)
}

// Last returns the most recent completion, or the zero value if none have
// been recorded.
func (m *MockBackend) Last() (Completion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.completions) == 0 {
		return Completion{}, false
	}
	return m.completions[len(m.completions)-1], true
}

// DepthChanges returns every depth value passed to QueueDepthChanged.
func (m *MockBackend) DepthChanges() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.depthCalls))
	copy(out, m.depthCalls)
	return out
}

var _ interfaces.Backend = (*MockBackend)(nil)
