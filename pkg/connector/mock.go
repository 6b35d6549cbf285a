package connector

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/agentgate/agentgate/pkg/contracts"
)

// MockHandler produces a canned result for a mock tool call.
type MockHandler func(tool string, params map[string]interface{}) (*contracts.ConnectorResult, error)

// MockConnector serves mock-kind tools without leaving the process.
// Unregistered tools get an echo response.
type MockConnector struct {
	mu       sync.RWMutex
	handlers map[string]MockHandler
}

// NewMockConnector creates an empty mock connector.
func NewMockConnector() *MockConnector {
	return &MockConnector{handlers: make(map[string]MockHandler)}
}

// Register installs a handler for one tool name.
func (m *MockConnector) Register(tool string, h MockHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[tool] = h
}

// Call runs the tool's handler, or echoes the params back with status 200.
func (m *MockConnector) Call(tool string, params map[string]interface{}) (*contracts.ConnectorResult, error) {
	m.mu.RLock()
	h, ok := m.handlers[tool]
	m.mu.RUnlock()
	if ok {
		return h(tool, params)
	}

	body, err := json.Marshal(map[string]interface{}{
		"tool":   tool,
		"params": params,
	})
	if err != nil {
		return nil, &contracts.ConnectorError{
			Kind:   contracts.ConnectorFaultNetwork,
			Detail: "echo marshal failed: " + err.Error(),
		}
	}
	return &contracts.ConnectorResult{
		Status:   http.StatusOK,
		Headers:  http.Header{"Content-Type": []string{"application/json"}},
		Body:     body,
		Duration: time.Millisecond,
	}, nil
}
