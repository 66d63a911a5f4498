package libhive

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"gopkg.in/inconshreveable/log15.v2"
)

var (
	ErrNoSuchNode         = errors.New("no such node")
	ErrNoSuchTestSuite    = errors.New("no such test suite")
	ErrNoSuchTestCase     = errors.New("no such test case")
	ErrTestSuiteRunning   = errors.New("test suite still has running tests")
	ErrNoSummaryResult    = errors.New("test case must be ended with a summary result")
	ErrTestSuiteLimited   = errors.New("testsuite test count is limited")
	ErrUnknownClientType  = errors.New("unknown client type")
	ErrMissingClientType  = errors.New("missing client type")
	ErrDuplicateClientDef = errors.New("duplicate client definition")
)

// SimEnv contains the settings of the simulation API.
type SimEnv struct {
	// Client log level passed to clients as HIVE_LOGLEVEL, unless set by the simulator.
	SimLogLevel int
	// ClientStartTimeout bounds container creation and startup.
	ClientStartTimeout time.Duration
	// TestLimit caps the number of tests per suite. Zero means no limit.
	TestLimit int
}

// TestManager collects test results during a simulation run.
type TestManager struct {
	config  SimEnv
	backend ContainerBackend

	clientDefs  map[string]*ClientDefinition
	clientOrder []*ClientDefinition

	testCaseMutex     sync.RWMutex
	testSuiteMutex    sync.RWMutex
	runningTestSuites map[TestSuiteID]*TestSuite
	runningTestCases  map[TestID]*TestCase
	testSuiteCounter  uint32
	testCaseCounter   uint32
	results           map[TestSuiteID]*TestSuite
}

// NewTestManager creates a test manager serving the given client catalog.
// Catalog order is preserved by the /clients endpoint.
func NewTestManager(config SimEnv, b ContainerBackend, clients []*ClientDefinition) (*TestManager, error) {
	tm := &TestManager{
		config:            config,
		backend:           b,
		clientDefs:        make(map[string]*ClientDefinition, len(clients)),
		runningTestSuites: make(map[TestSuiteID]*TestSuite),
		runningTestCases:  make(map[TestID]*TestCase),
		results:           make(map[TestSuiteID]*TestSuite),
	}
	for _, def := range clients {
		if _, dup := tm.clientDefs[def.Name]; dup {
			return nil, ErrDuplicateClientDef
		}
		tm.clientDefs[def.Name] = def
		tm.clientOrder = append(tm.clientOrder, def)
	}
	return tm, nil
}

// Results returns the results for all suites that have already ended.
func (manager *TestManager) Results() map[TestSuiteID]*TestSuite {
	manager.testSuiteMutex.RLock()
	defer manager.testSuiteMutex.RUnlock()

	// Copy results.
	r := make(map[TestSuiteID]*TestSuite)
	for id, suite := range manager.results {
		r[id] = suite
	}
	return r
}

// API returns the simulation API handler.
func (manager *TestManager) API() http.Handler {
	return newSimulationAPI(manager.backend, manager.config, manager)
}

// ClientDefinitions returns the client catalog in inventory order.
func (manager *TestManager) ClientDefinitions() []*ClientDefinition {
	return append([]*ClientDefinition(nil), manager.clientOrder...)
}

// IsTestSuiteRunning checks if the test suite is still running and returns it if so
func (manager *TestManager) IsTestSuiteRunning(testSuite TestSuiteID) (*TestSuite, bool) {
	manager.testSuiteMutex.RLock()
	defer manager.testSuiteMutex.RUnlock()
	suite, ok := manager.runningTestSuites[testSuite]
	return suite, ok
}

// IsTestRunning checks if the test is still running and returns it if so.
func (manager *TestManager) IsTestRunning(test TestID) (*TestCase, bool) {
	manager.testCaseMutex.RLock()
	defer manager.testCaseMutex.RUnlock()
	testCase, ok := manager.runningTestCases[test]
	return testCase, ok
}

// Terminate forces the termination of any running tests with
// an error message. This can be called as a cleanup method.
// If there are no running tests, there is no effect.
func (manager *TestManager) Terminate() error {
	terminationSummary := &TestResult{
		Pass:    false,
		Details: "Test was terminated by host",
	}

	manager.testSuiteMutex.RLock()
	var suites []*TestSuite
	for _, suite := range manager.runningTestSuites {
		suites = append(suites, suite)
	}
	manager.testSuiteMutex.RUnlock()

	for _, suite := range suites {
		manager.testCaseMutex.RLock()
		var running []TestID
		for testID := range suite.TestCases {
			if _, ok := manager.runningTestCases[testID]; ok {
				running = append(running, testID)
			}
		}
		manager.testCaseMutex.RUnlock()

		// end any running tests and ensure that the backend stops their clients.
		for _, testID := range running {
			log15.Info("terminating test", "suite", suite.ID, "test", testID)
			if err := manager.EndTest(suite.ID, testID, terminationSummary); err != nil {
				return err
			}
		}
		if err := manager.EndTestSuite(suite.ID); err != nil {
			return err
		}
	}
	return nil
}

// GetNodeInfo gets some info on a client belonging to some test
func (manager *TestManager) GetNodeInfo(test TestID, nodeID string) (*ClientInfo, error) {
	manager.testCaseMutex.RLock()
	defer manager.testCaseMutex.RUnlock()

	testCase, ok := manager.runningTestCases[test]
	if !ok {
		return nil, ErrNoSuchTestCase
	}
	nodeInfo, ok := testCase.ClientInfo[nodeID]
	if !ok {
		return nil, ErrNoSuchNode
	}
	return nodeInfo, nil
}

// EndTestSuite ends the test suite and moves it to the results.
func (manager *TestManager) EndTestSuite(testSuite TestSuiteID) error {
	manager.testSuiteMutex.Lock()
	defer manager.testSuiteMutex.Unlock()

	suite, ok := manager.runningTestSuites[testSuite]
	if !ok {
		return ErrNoSuchTestSuite
	}
	// Check the suite has no running test cases.
	manager.testCaseMutex.RLock()
	for k := range suite.TestCases {
		if _, ok := manager.runningTestCases[k]; ok {
			manager.testCaseMutex.RUnlock()
			return ErrTestSuiteRunning
		}
	}
	manager.testCaseMutex.RUnlock()

	// Move the suite to results.
	delete(manager.runningTestSuites, testSuite)
	manager.results[testSuite] = suite
	return nil
}

// StartTestSuite starts a test suite and returns the context id
func (manager *TestManager) StartTestSuite(name string, description string) (TestSuiteID, error) {
	manager.testSuiteMutex.Lock()
	defer manager.testSuiteMutex.Unlock()

	var newSuiteID = TestSuiteID(manager.testSuiteCounter)
	manager.runningTestSuites[newSuiteID] = &TestSuite{
		ID:             newSuiteID,
		Name:           name,
		Description:    description,
		ClientVersions: make(map[string]string),
		TestCases:      make(map[TestID]*TestCase),
	}
	manager.testSuiteCounter++
	return newSuiteID, nil
}

// StartTest starts a new test case, returning the testcase id as a context identifier
func (manager *TestManager) StartTest(testSuiteID TestSuiteID, name string, description string) (TestID, error) {
	manager.testSuiteMutex.RLock()
	testSuite, ok := manager.runningTestSuites[testSuiteID]
	manager.testSuiteMutex.RUnlock()
	if !ok {
		return 0, ErrNoSuchTestSuite
	}

	manager.testCaseMutex.Lock()
	defer manager.testCaseMutex.Unlock()
	// check for a limiter
	if manager.config.TestLimit > 0 && len(testSuite.TestCases) >= manager.config.TestLimit {
		return 0, ErrTestSuiteLimited
	}
	manager.testCaseCounter++
	newTestCase := &TestCase{
		Name:        name,
		Description: description,
		Start:       time.Now(),
	}
	newCaseID := TestID(manager.testCaseCounter)
	testSuite.TestCases[newCaseID] = newTestCase
	manager.runningTestCases[newCaseID] = newTestCase
	return newCaseID, nil
}

// EndTest finishes the test case and stops its clients.
func (manager *TestManager) EndTest(testSuiteRun TestSuiteID, testID TestID, summaryResult *TestResult) error {
	manager.testCaseMutex.Lock()

	// Check if the test case is running
	testCase, ok := manager.runningTestCases[testID]
	if !ok {
		manager.testCaseMutex.Unlock()
		return ErrNoSuchTestCase
	}
	// Make sure there is at least a result summary
	if summaryResult == nil {
		manager.testCaseMutex.Unlock()
		return ErrNoSummaryResult
	}

	// Add the results to the test case
	testCase.End = time.Now()
	testCase.SummaryResult = *summaryResult
	delete(manager.runningTestCases, testID)

	var stop []*ClientInfo
	for _, v := range testCase.ClientInfo {
		if !v.stopped {
			v.stopped = true
			stop = append(stop, v)
		}
	}
	manager.testCaseMutex.Unlock()

	// Stop running clients.
	for _, v := range stop {
		if err := manager.backend.StopContainer(v.ID); err != nil {
			log15.Error("could not stop client", "suite", testSuiteRun, "test", testID, "container", v.ID, "error", err)
		}
	}
	return nil
}

// RegisterNode is used by test suite hosts to register the creation of a node in the context of a test
func (manager *TestManager) RegisterNode(testID TestID, nodeID string, nodeInfo *ClientInfo) error {
	manager.testCaseMutex.Lock()
	defer manager.testCaseMutex.Unlock()

	// Check if the test case is running
	testCase, ok := manager.runningTestCases[testID]
	if !ok {
		return ErrNoSuchTestCase
	}
	if testCase.ClientInfo == nil {
		testCase.ClientInfo = make(map[string]*ClientInfo)
	}
	testCase.ClientInfo[nodeID] = nodeInfo
	return nil
}

// addClientVersion records the version of a client used by the suite.
func (manager *TestManager) addClientVersion(testSuite TestSuiteID, def *ClientDefinition) {
	manager.testSuiteMutex.Lock()
	defer manager.testSuiteMutex.Unlock()
	if suite, ok := manager.runningTestSuites[testSuite]; ok {
		suite.ClientVersions[def.Name] = def.Version
	}
}

// StopNode stops a client container of a running test.
func (manager *TestManager) StopNode(testID TestID, nodeID string) error {
	manager.testCaseMutex.Lock()
	testCase, ok := manager.runningTestCases[testID]
	if !ok {
		manager.testCaseMutex.Unlock()
		return ErrNoSuchTestCase
	}
	nodeInfo, ok := testCase.ClientInfo[nodeID]
	if !ok || nodeInfo.stopped {
		manager.testCaseMutex.Unlock()
		return ErrNoSuchNode
	}
	nodeInfo.stopped = true
	manager.testCaseMutex.Unlock()

	return manager.backend.StopContainer(nodeInfo.ID)
}
