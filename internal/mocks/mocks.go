// Package mocks provides mock implementations for testing
package mocks

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockCommandExecutor records commands and replays canned output. Keys of Responses and Errors are
// either the full command line or just the program name.
type MockCommandExecutor struct {
	mu        sync.Mutex
	Responses map[string][]byte
	Errors    map[string]error
	// Hooks run before the response is returned, keyed like Responses. They can create the files a
	// real program would have written.
	Hooks   map[string]func(args []string) error
	CallLog []string
}

func NewMockCommandExecutor() *MockCommandExecutor {
	return &MockCommandExecutor{
		Responses: make(map[string][]byte),
		Errors:    make(map[string]error),
		Hooks:     make(map[string]func(args []string) error),
		CallLog:   make([]string, 0),
	}
}

// Run implements the CommandRunner interfaces used across the module.
func (m *MockCommandExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := strings.TrimSpace(fmt.Sprintf("%s %s", name, strings.Join(args, " ")))

	m.mu.Lock()
	m.CallLog = append(m.CallLog, cmd)
	hook := m.lookupHook(cmd, name)
	response, hasResponse := m.lookupResponse(cmd, name)
	err := m.lookupError(cmd, name)
	m.mu.Unlock()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if hook != nil {
		if hookErr := hook(args); hookErr != nil {
			return response, hookErr
		}
	}
	if err != nil {
		return response, err
	}
	if hasResponse {
		return response, nil
	}
	return []byte("mock response"), nil
}

func (m *MockCommandExecutor) lookupHook(cmd, name string) func([]string) error {
	if h, ok := m.Hooks[cmd]; ok {
		return h
	}
	return m.Hooks[name]
}

func (m *MockCommandExecutor) lookupResponse(cmd, name string) ([]byte, bool) {
	if r, ok := m.Responses[cmd]; ok {
		return r, true
	}
	r, ok := m.Responses[name]
	return r, ok
}

func (m *MockCommandExecutor) lookupError(cmd, name string) error {
	if err, ok := m.Errors[cmd]; ok {
		return err
	}
	return m.Errors[name]
}

// Calls returns a copy of the call log.
func (m *MockCommandExecutor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// MockUserInteraction provides a mock user interaction for testing
type MockUserInteraction struct {
	StringResponses map[string]string
	Errors          map[string]error
	CallLog         []string
}

func NewMockUserInteraction() *MockUserInteraction {
	return &MockUserInteraction{
		StringResponses: make(map[string]string),
		Errors:          make(map[string]error),
		CallLog:         make([]string, 0),
	}
}

func (m *MockUserInteraction) PromptForString(label string, defaultValue string, validator func(string) error) (string, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("PromptForString: %s (default: %s)", label, defaultValue))

	if err, exists := m.Errors[label]; exists {
		return "", err
	}

	if response, exists := m.StringResponses[label]; exists {
		if validator != nil {
			if err := validator(response); err != nil {
				return "", err
			}
		}
		return response, nil
	}

	return defaultValue, nil
}
