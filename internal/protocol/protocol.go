// Package protocol defines the wire format exchanged between the dashboard
// client and the runner server: one JSON test request per submission, one
// JSON test result per execution attempt.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Errors
var (
	ErrMalformed = errors.New("malformed message")
)

// Status is the lifecycle state of a single test as reported over the wire.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
	StatusPassed     Status = "passed"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
)

// DefaultEntryPoint is the export invoked when a request names none.
const DefaultEntryPoint = "default"

// TestRequest is a client-to-server submission. Immutable once transmitted.
type TestRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Code  string `json:"code"`
	Func  string `json:"func,omitempty"`
}

// EntryPoint returns the entry-point name, applying the default.
func (r *TestRequest) EntryPoint() string {
	if r.Func == "" {
		return DefaultEntryPoint
	}
	return r.Func
}

// TestResult is a server-to-client outcome. Exactly one is produced per
// request per execution attempt.
type TestResult struct {
	Type   string `json:"type"`
	TestID string `json:"testId"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ResultType is the discriminator value carried by every TestResult.
const ResultType = "test_result"

// NewResult builds a correlated result for the given test id.
func NewResult(testID string, status Status, errMsg string) *TestResult {
	return &TestResult{
		Type:   ResultType,
		TestID: testID,
		Status: status,
		Error:  errMsg,
	}
}

// Greeting is the informational message sent once when a connection opens.
// It is non-contractual; clients may ignore it.
type Greeting struct {
	Message string `json:"message"`
}

// DefaultGreeting returns the greeting sent on connection open.
func DefaultGreeting() *Greeting {
	return &Greeting{Message: "Hello from server!"}
}

// ParseRequest decodes an inbound payload into a TestRequest. Text and
// binary frames are handled identically. A payload that decodes but lacks
// an id or code is malformed.
func ParseRequest(data []byte) (*TestRequest, error) {
	var req TestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if req.Code == "" {
		return nil, fmt.Errorf("%w: missing code", ErrMalformed)
	}
	return &req, nil
}

// ParseResult decodes an inbound payload into a TestResult, ignoring
// messages that are not results (e.g. the greeting).
func ParseResult(data []byte) (*TestResult, error) {
	var res TestResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if res.Type != ResultType {
		return nil, nil
	}
	if res.TestID == "" {
		return nil, fmt.Errorf("%w: result missing testId", ErrMalformed)
	}
	return &res, nil
}
