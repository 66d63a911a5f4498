package hivesim

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"
	"gopkg.in/inconshreveable/log15.v2"
)

// Suite is the description of a test suite.
type Suite struct {
	Name        string // Name is the unique identifier for the suite [Mandatory]
	Description string // Description of the test suite [Optional]
	Tests       []TestSpec
}

// Add adds a test to the suite. Tests run in the order they were added.
func (s *Suite) Add(test TestSpec) *Suite {
	s.Tests = append(s.Tests, test)
	return s
}

// Run executes all given test suites.
func Run(ctx context.Context, host Orchestrator, suites ...Suite) error {
	for _, s := range suites {
		if err := RunSuite(ctx, host, s); err != nil {
			return err
		}
	}
	return nil
}

// MustRun executes all given test suites, exiting the process if there is a problem
// reaching the simulation API.
func MustRun(ctx context.Context, host Orchestrator, suites ...Suite) {
	for _, s := range suites {
		MustRunSuite(ctx, host, s)
	}
}

// RunSuite runs all tests in a suite.
//
// The suite is ended only after all of its tests have ended. If a test cannot be
// executed because of an orchestration error, the run stops and the error is returned
// without ending the suite.
func RunSuite(ctx context.Context, host Orchestrator, suite Suite) error {
	if m := hostMatcher(host); m != nil && !m.Match(suite.Name, "") {
		log15.Debug("skipping suite because it doesn't match test pattern", "suite", suite.Name, "pattern", m.Pattern)
		return nil
	}

	suiteID, err := host.StartSuite(ctx, suite.Name, suite.Description)
	if err != nil {
		return err
	}
	for _, test := range suite.Tests {
		if err := test.runTest(ctx, host, suiteID, &suite); err != nil {
			return err
		}
	}
	return host.EndSuite(ctx, suiteID)
}

// MustRunSuite runs the given suite, exiting the process if there is a problem reaching
// the simulation API.
func MustRunSuite(ctx context.Context, host Orchestrator, suite Suite) {
	if err := RunSuite(ctx, host, suite); err != nil {
		log15.Crit("suite run failed", "suite", suite.Name, "err", err)
		os.Exit(1)
	}
}

// hostMatcher returns the test pattern of host, if it has one.
func hostMatcher(host Orchestrator) *TestMatcher {
	if h, ok := host.(interface{ Matcher() *TestMatcher }); ok {
		return h.Matcher()
	}
	return nil
}

// Client represents a running client. It belongs to the test that started it and must
// not be used after that test has ended.
type Client struct {
	Type      string
	Container string
	IP        net.IP

	mu  sync.Mutex
	rpc *rpc.Client
}

// RPC returns an RPC client connected to the client's RPC server.
func (c *Client) RPC() *rpc.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == nil {
		c.rpc, _ = rpc.DialHTTP(c.RPCAddr())
	}
	return c.rpc
}

// RPCAddr returns the URL of the client's JSON-RPC endpoint.
func (c *Client) RPCAddr() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(c.IP.String(), "8545"))
}

// T is a running test. This is a lot like testing.T, but has some additional methods for
// launching clients.
//
// Log output goes to standard output, which is the simulation log. The test result
// reported to hive is set with Fail and Fatal.
type T struct {
	// Test case info.
	Sim     Orchestrator
	TestID  TestID
	SuiteID SuiteID

	name   string
	suite  *Suite
	ctx    context.Context
	mu     sync.Mutex
	result TestResult
}

// Name returns the reported name of the test.
func (t *T) Name() string {
	return t.name
}

// SuiteName returns the name of the suite this test belongs to.
func (t *T) SuiteName() string {
	if t.suite == nil {
		return ""
	}
	return t.suite.Name
}

// Context returns the context of the run.
func (t *T) Context() context.Context {
	return t.ctx
}

// StartClient starts a client instance for this test. The client is stopped by hive
// when the test ends.
func (t *T) StartClient(clientType string, options ...StartOption) (*Client, error) {
	return t.startClient(t.ctx, clientType, options...)
}

func (t *T) startClient(ctx context.Context, clientType string, options ...StartOption) (*Client, error) {
	container, ip, err := t.Sim.StartClient(ctx, t.SuiteID, t.TestID, clientType, options...)
	if err != nil {
		return nil, err
	}
	return &Client{Type: clientType, Container: container, IP: ip}, nil
}

// startClients launches one client per roster entry. Sequential provisioning follows
// roster order. Concurrent provisioning starts all clients at once and waits for all
// of them; clients[i] always corresponds to roster[i].
func (t *T) startClients(roster []string, concurrent bool, options []StartOption) ([]*Client, error) {
	clients := make([]*Client, len(roster))
	if !concurrent {
		for i, clientType := range roster {
			c, err := t.StartClient(clientType, options...)
			if err != nil {
				return nil, err
			}
			clients[i] = c
		}
		return clients, nil
	}

	g, ctx := errgroup.WithContext(t.ctx)
	for i, clientType := range roster {
		i, clientType := i, clientType
		g.Go(func() error {
			c, err := t.startClient(ctx, clientType, options...)
			if err != nil {
				return err
			}
			clients[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return clients, nil
}

// Run runs a subtest of this test. It waits for the subtest to complete before continuing.
// The returned error is an orchestration error, test failures are reported in the
// subtest's result.
func (t *T) Run(spec TestSpec) error {
	return spec.runTest(t.ctx, t.Sim, t.SuiteID, t.suite)
}

// Fail marks the test as failed. The message replaces the result details.
func (t *T) Fail(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Println(message)
	t.result.Pass = false
	t.result.Details = message
}

// Failf is like Fail with a format string.
func (t *T) Failf(format string, values ...interface{}) {
	t.Fail(fmt.Sprintf(format, values...))
}

// Fatal is like testing.T.Fatal. It fails the test and exits the test function immediately.
// As with testing.T.FailNow(), this should only be called from the main test goroutine.
func (t *T) Fatal(values ...interface{}) {
	t.Fail(strings.TrimSuffix(fmt.Sprintln(values...), "\n"))
	runtime.Goexit()
}

// Fatalf is like testing.T.Fatalf.
func (t *T) Fatalf(format string, values ...interface{}) {
	t.Fail(fmt.Sprintf(format, values...))
	runtime.Goexit()
}

// Failed reports whether the test has already failed.
func (t *T) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.result.Pass
}

// Result returns the current result of the test.
func (t *T) Result() TestResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Logf prints to standard output, which goes to the simulation log file.
func (t *T) Logf(format string, values ...interface{}) {
	if !strings.HasSuffix(format, "\n") {
		format = format + "\n"
	}
	fmt.Printf(format, values...)
}

// Log prints to standard output, which goes to the simulation log file.
func (t *T) Log(values ...interface{}) {
	fmt.Println(values...)
}

// runBody runs the test function on its own goroutine, so Fatal can exit it.
// A panic in the test function is returned as an error.
func (t *T) runBody(run func(*T, []*Client), clients []*Client) (err error) {
	if run == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				i := runtime.Stack(buf, false)
				err = fmt.Errorf("test %q panicked: %v\n\n%s", t.name, r, buf[:i])
			}
		}()
		run(t, clients)
	}()
	<-done
	return err
}
