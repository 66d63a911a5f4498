package libhive

import (
	"strconv"
	"time"
)

// TestSuiteID identifies a test suite context.
type TestSuiteID uint32

func (tsID TestSuiteID) String() string {
	return strconv.Itoa(int(tsID))
}

// TestID identifies a test case context.
type TestID uint32

func (tsID TestID) String() string {
	return strconv.Itoa(int(tsID))
}

// TestSuite is a collection of test cases reported by a simulator.
type TestSuite struct {
	ID             TestSuiteID          `json:"id"`
	Name           string               `json:"name"`
	Description    string               `json:"description"`
	ClientVersions map[string]string    `json:"clientVersions"`
	TestCases      map[TestID]*TestCase `json:"testCases"`
}

// TestCase represents a single test case in a test suite.
type TestCase struct {
	Name          string                 `json:"name"`        // Test case short name.
	Description   string                 `json:"description"` // Test case long description in MD.
	Start         time.Time              `json:"start"`
	End           time.Time              `json:"end"`
	SummaryResult TestResult             `json:"summaryResult"` // The result of the whole test case.
	ClientInfo    map[string]*ClientInfo `json:"clientInfo"`    // Info about each client.
}

// TestResult represents the result of a test case.
type TestResult struct {
	Pass    bool   `json:"pass"`
	Details string `json:"details"`
}

// ClientInfo describes a client that participated in a test case.
type ClientInfo struct {
	ID             string    `json:"id"`
	IP             string    `json:"ip"`
	Name           string    `json:"name"`
	InstantiatedAt time.Time `json:"instantiatedAt"`

	stopped bool
}

// ClientMetadata is part of the ClientDefinition and lists metadata.
type ClientMetadata struct {
	Roles []string `json:"roles" yaml:"roles"`
}

// ClientDefinition is served by the /clients API endpoint to list the available clients.
type ClientDefinition struct {
	Name    string         `json:"name" yaml:"name"`
	Version string         `json:"version" yaml:"version"`
	Image   string         `json:"-" yaml:"image"` // not exposed via API
	Meta    ClientMetadata `json:"meta" yaml:",inline"`
}
