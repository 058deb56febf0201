package sbus

import "sync"

// EndpointChooser selects the namespace endpoint used for the next
// connection attempt.
type EndpointChooser interface {
	Current() string
	ReportFailure(err error)
	ReportSuccess()
}

// DefaultEndpointChooser rotates through endpoints in round-robin order,
// advancing after each failed connection attempt.
type DefaultEndpointChooser struct {
	lock      sync.Mutex
	endpoints []string
	index     int
	lastError string
}

// NewDefaultEndpointChooser returns a new chooser with optional endpoints.
func NewDefaultEndpointChooser(endpoints ...string) *DefaultEndpointChooser {
	chooser := &DefaultEndpointChooser{}
	for _, endpoint := range endpoints {
		chooser.Add(endpoint)
	}
	return chooser
}

// Add appends an endpoint to the rotation.
func (chooser *DefaultEndpointChooser) Add(endpoint string) *DefaultEndpointChooser {
	if chooser == nil || endpoint == "" {
		return chooser
	}
	chooser.lock.Lock()
	chooser.endpoints = append(chooser.endpoints, endpoint)
	chooser.lock.Unlock()
	return chooser
}

// Current returns the currently selected endpoint.
func (chooser *DefaultEndpointChooser) Current() string {
	if chooser == nil {
		return ""
	}
	chooser.lock.Lock()
	defer chooser.lock.Unlock()
	if len(chooser.endpoints) == 0 {
		return ""
	}
	if chooser.index < 0 || chooser.index >= len(chooser.endpoints) {
		chooser.index = 0
	}
	return chooser.endpoints[chooser.index]
}

// ReportFailure records a connection failure and advances the rotation.
func (chooser *DefaultEndpointChooser) ReportFailure(err error) {
	if chooser == nil {
		return
	}
	chooser.lock.Lock()
	defer chooser.lock.Unlock()
	if err != nil {
		chooser.lastError = err.Error()
	}
	if len(chooser.endpoints) > 0 {
		chooser.index = (chooser.index + 1) % len(chooser.endpoints)
	}
}

// ReportSuccess records a successful connection on the current endpoint.
func (chooser *DefaultEndpointChooser) ReportSuccess() {
	if chooser == nil {
		return
	}
	chooser.lock.Lock()
	chooser.lastError = ""
	chooser.lock.Unlock()
}
