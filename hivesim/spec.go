package hivesim

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/inconshreveable/log15.v2"
)

// Kind selects how a TestSpec is expanded into test executions.
type Kind int

const (
	// SingleRun executes the test once. No clients are started.
	SingleRun Kind = iota
	// PerClient executes the test once for every available client type,
	// with one client of that type.
	PerClient
	// PerClientPair executes the test for every ordered pair (A, B) of client types,
	// including A == B. Client A is started before client B.
	PerClientPair
	// PerClientGroup executes the test once with one client for each entry of Roster.
	PerClientGroup
	// PerClientNetwork executes the test once for every client type K, against a network
	// of K followed by NetworkSize copies of all client types.
	PerClientNetwork
)

// minNetworkSize is the smallest roster of a PerClientNetwork execution.
const minNetworkSize = 4

func (k Kind) String() string {
	switch k {
	case SingleRun:
		return "single"
	case PerClient:
		return "per-client"
	case PerClientPair:
		return "per-client-pair"
	case PerClientGroup:
		return "per-client-group"
	case PerClientNetwork:
		return "per-client-network"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// TestSpec is the description of a test.
//
// The Kind determines how many times the test runs and which clients are started
// for it. Use the SingleTest, ClientTest, ClientPairTest, ClientGroupTest and
// ClientNetworkTest constructors to create specs with a typed Run function.
//
// For kinds that run per client, the test name contains the client type: if the Name
// includes "CLIENT", it is replaced by the client name, otherwise the client name is
// appended in parentheses.
type TestSpec struct {
	// These fields are displayed in the UI. Be sure to add
	// a meaningful description here.
	Name        string // Name is the unique identifier for the test [Mandatory]
	Description string // Description of the test [Optional]

	// If AlwaysRun is true, the test will run even if Name does not match the test
	// pattern. This option is useful for tests that launch a client instance and
	// then perform further tests against it.
	AlwaysRun bool

	Kind Kind

	// Role filters the client types of PerClient, PerClientPair and PerClientNetwork
	// tests. If no role is specified, the test runs with all available clients.
	Role string

	// Roster lists the clients of a PerClientGroup test.
	Roster []*ClientDefinition

	// NetworkSize is the number of times all client types are added to the network of
	// a PerClientNetwork test. Defaults to 1.
	NetworkSize int

	// Client is passed to a SingleRun test. It is optional and not started by the test.
	Client *Client

	// Options are launch options for all client instances started by the test.
	Options []StartOption

	// The Run function is invoked when the test executes. It receives the clients
	// started for this execution, in roster order.
	Run func(*T, []*Client)
}

// SingleTest creates a test that runs once.
func SingleTest(name, description string, run func(*T)) TestSpec {
	return TestSpec{
		Name:        name,
		Description: description,
		Kind:        SingleRun,
		Run:         func(t *T, _ []*Client) { run(t) },
	}
}

// ClientTest creates a test that runs against each available client type.
func ClientTest(name, description string, run func(*T, *Client)) TestSpec {
	return TestSpec{
		Name:        name,
		Description: description,
		Kind:        PerClient,
		Run:         func(t *T, c []*Client) { run(t, c[0]) },
	}
}

// ClientPairTest creates a test that runs against every pair of client types.
func ClientPairTest(name, description string, run func(t *T, a, b *Client)) TestSpec {
	return TestSpec{
		Name:        name,
		Description: description,
		Kind:        PerClientPair,
		Run:         func(t *T, c []*Client) { run(t, c[0], c[1]) },
	}
}

// ClientGroupTest creates a test that runs once against the given clients.
func ClientGroupTest(name, description string, roster []*ClientDefinition, run func(*T, []*Client)) TestSpec {
	return TestSpec{
		Name:        name,
		Description: description,
		Kind:        PerClientGroup,
		Roster:      roster,
		Run:         run,
	}
}

// ClientNetworkTest creates a test that runs once per client type against a network
// containing that client and 'size' copies of all client types.
func ClientNetworkTest(name, description string, size int, run func(*T, []*Client)) TestSpec {
	return TestSpec{
		Name:        name,
		Description: description,
		Kind:        PerClientNetwork,
		NetworkSize: size,
		Run:         run,
	}
}

// execution is a single run of a TestSpec.
type execution struct {
	name       string
	roster     []string // client types to start
	concurrent bool     // whether roster clients are started concurrently
}

func (spec TestSpec) usesCatalog() bool {
	switch spec.Kind {
	case PerClient, PerClientPair, PerClientNetwork:
		return true
	}
	return false
}

// expand computes the executions of the test against the given client catalog.
func (spec TestSpec) expand(catalog []*ClientDefinition) ([]execution, error) {
	switch spec.Kind {
	case SingleRun:
		return []execution{{name: spec.Name}}, nil

	case PerClient:
		execs := make([]execution, 0, len(catalog))
		for _, def := range catalog {
			execs = append(execs, execution{
				name:   clientTestName(spec.Name, def.Name),
				roster: []string{def.Name},
			})
		}
		return execs, nil

	case PerClientPair:
		execs := make([]execution, 0, len(catalog)*len(catalog))
		for _, a := range catalog {
			for _, b := range catalog {
				execs = append(execs, execution{
					name:   clientTestName(spec.Name, a.Name) + " --> " + b.Name,
					roster: []string{a.Name, b.Name},
				})
			}
		}
		return execs, nil

	case PerClientGroup:
		return []execution{{
			name:       spec.Name,
			roster:     clientNames(spec.Roster),
			concurrent: true,
		}}, nil

	case PerClientNetwork:
		size := spec.NetworkSize
		if size < 1 {
			size = 1
		}
		names := clientNames(catalog)
		execs := make([]execution, 0, len(catalog))
		for _, def := range catalog {
			roster := networkRoster(def.Name, names, size)
			execs = append(execs, execution{
				name:       fmt.Sprintf("%s +--> [%s] (network size: %d)", spec.Name, def.Name, len(roster)),
				roster:     roster,
				concurrent: true,
			})
		}
		return execs, nil

	default:
		return nil, fmt.Errorf("test %q has invalid kind %v", spec.Name, spec.Kind)
	}
}

// networkRoster builds the client list of a network test: the client under test,
// followed by 'size' copies of all client types. Short rosters are doubled until they
// reach minNetworkSize.
func networkRoster(client string, all []string, size int) []string {
	roster := []string{client}
	for i := 0; i < size; i++ {
		roster = append(roster, all...)
	}
	for len(roster) < minNetworkSize {
		roster = append(roster, roster...)
	}
	return roster
}

// clientTestName ensures that 'name' contains the client type.
func clientTestName(name, clientType string) string {
	if name == "" {
		return clientType
	}
	if strings.Contains(name, "CLIENT") {
		return strings.ReplaceAll(name, "CLIENT", clientType)
	}
	return name + " (" + clientType + ")"
}

func filterRole(clients []*ClientDefinition, role string) []*ClientDefinition {
	if role == "" {
		return clients
	}
	var filtered []*ClientDefinition
	for _, def := range clients {
		// 'role' is an optional filter, so tests for different kinds of
		// clients can all live in harmony.
		if def.HasRole(role) {
			filtered = append(filtered, def)
		}
	}
	return filtered
}

// runTest expands the spec and runs all of its executions in order.
func (spec TestSpec) runTest(ctx context.Context, host Orchestrator, suiteID SuiteID, suite *Suite) error {
	var catalog []*ClientDefinition
	if spec.usesCatalog() {
		clients, err := host.ClientTypes(ctx)
		if err != nil {
			return err
		}
		catalog = filterRole(clients, spec.Role)
	}
	execs, err := spec.expand(catalog)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		if err := spec.runExecution(ctx, host, suiteID, suite, exec); err != nil {
			return err
		}
	}
	return nil
}

// runExecution registers the test with the orchestrator, starts its clients, runs the
// test function and reports the result.
//
// Errors starting clients or a panic in the test function abort the execution before
// the test is ended.
func (spec TestSpec) runExecution(ctx context.Context, host Orchestrator, suiteID SuiteID, suite *Suite, exec execution) error {
	t := &T{
		Sim:     host,
		SuiteID: suiteID,
		name:    exec.name,
		suite:   suite,
		ctx:     ctx,
	}
	if m := hostMatcher(host); m != nil && !spec.AlwaysRun && !m.Match(t.SuiteName(), exec.name) {
		log15.Debug("skipping test because it doesn't match test pattern", "test", exec.name, "pattern", m.Pattern)
		return nil
	}

	// Register test on simulation server and initialize the T.
	testID, err := host.StartTest(ctx, suiteID, exec.name, spec.Description)
	if err != nil {
		return err
	}
	t.TestID = testID
	t.result.Pass = true

	clients, err := t.startClients(exec.roster, exec.concurrent, spec.Options)
	if err != nil {
		return fmt.Errorf("test %q: %w", exec.name, err)
	}
	if spec.Kind == SingleRun && spec.Client != nil {
		clients = []*Client{spec.Client}
	}

	if err := t.runBody(spec.Run, clients); err != nil {
		return err
	}
	return host.EndTest(ctx, suiteID, testID, t.Result())
}
