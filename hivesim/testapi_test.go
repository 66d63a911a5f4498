package hivesim

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/portal-hive/internal/fakes"
	"github.com/ethereum/portal-hive/internal/libhive"
	"github.com/stretchr/testify/require"
)

// This test verifies that test errors are reported correctly through the API.
func TestSuiteReporting(t *testing.T) {
	suite := Suite{
		Name:        "test suite",
		Description: "tests error reporting",
	}
	suite.Add(SingleTest("passing test", "this test passes", func(t *T) {
		t.Log("message from the passing test")
	}))
	suite.Add(SingleTest("failing test", "this test fails", func(t *T) {
		t.Fatal("message from the failing test")
	}))
	suite.Add(SingleTest("failing twice", "the last failure message wins", func(t *T) {
		t.Fail("first failure")
		t.Failf("second failure (%d)", 2)
		if !t.Failed() {
			t.Log("Failed should report true")
			t.Fail("Failed returned false")
		}
	}))

	tm, srv := newFakeAPI(nil)
	defer srv.Close()

	err := RunSuite(context.Background(), NewAt(srv.URL), suite)
	if err != nil {
		t.Fatal("suite run failed:", err)
	}

	tm.Terminate()
	results := tm.Results()
	removeTimestamps(results)

	wantResults := map[libhive.TestSuiteID]*libhive.TestSuite{
		0: {
			ID:             0,
			Name:           suite.Name,
			Description:    suite.Description,
			ClientVersions: make(map[string]string),
			TestCases: map[libhive.TestID]*libhive.TestCase{
				1: {
					Name:          "passing test",
					Description:   "this test passes",
					SummaryResult: libhive.TestResult{Pass: true},
				},
				2: {
					Name:          "failing test",
					Description:   "this test fails",
					SummaryResult: libhive.TestResult{Pass: false, Details: "message from the failing test"},
				},
				3: {
					Name:          "failing twice",
					Description:   "the last failure message wins",
					SummaryResult: libhive.TestResult{Pass: false, Details: "second failure (2)"},
				},
			},
		},
	}
	if !reflect.DeepEqual(results, wantResults) {
		t.Fatal("wrong results reported:", spew.Sdump(results))
	}
}

// This test checks that per-client tests run once for each client type, each with a
// fresh client of that type.
func TestClientTestRun(t *testing.T) {
	tm, srv := newFakeAPI(nil)
	defer srv.Close()

	var (
		mu   sync.Mutex
		seen = make(map[string]*Client)
	)
	suite := Suite{Name: "clients"}
	suite.Add(ClientTest("rpc", "", func(t *T, c *Client) {
		mu.Lock()
		defer mu.Unlock()
		seen[t.Name()] = c
		if t.SuiteName() != "clients" {
			t.Fatalf("wrong suite name %q", t.SuiteName())
		}
	}))
	require.NoError(t, RunSuite(context.Background(), NewAt(srv.URL), suite))

	require.Len(t, seen, 2)
	for name, wantType := range map[string]string{"rpc (client-1)": "client-1", "rpc (client-2)": "client-2"} {
		c := seen[name]
		require.NotNil(t, c, "no client for %s", name)
		require.Equal(t, wantType, c.Type)
		require.NotEmpty(t, c.Container)
		require.NotNil(t, c.IP)
		require.True(t, strings.HasPrefix(c.RPCAddr(), "http://10.0."), c.RPCAddr())
	}

	results := tm.Results()
	require.Len(t, results, 1)
	require.Equal(t, map[string]string{
		"client-1": "client-1-version",
		"client-2": "client-2-version",
	}, results[0].ClientVersions)
	require.Equal(t, []string{"rpc (client-1)", "rpc (client-2)"}, testNames(results[0]))
	for _, tc := range results[0].TestCases {
		require.True(t, tc.SummaryResult.Pass, tc.Name)
		require.Len(t, tc.ClientInfo, 1, tc.Name)
	}
}

// This test checks that the role filter restricts catalog-driven tests.
func TestClientTestRole(t *testing.T) {
	tm, srv := newFakeAPI(nil)
	defer srv.Close()

	spec := ClientTest("bridge", "", func(*T, *Client) {})
	spec.Role = "bridge"
	suite := Suite{Name: "roles"}
	suite.Add(spec)
	require.NoError(t, RunSuite(context.Background(), NewAt(srv.URL), suite))
	require.Equal(t, []string{"bridge (client-2)"}, testNames(tm.Results()[0]))
}

// This test checks that pair tests start client A before client B, and that containers
// are stopped when the test ends.
func TestClientPairOrder(t *testing.T) {
	var (
		mu      sync.Mutex
		started []string
		stopped int
	)
	hooks := &fakes.BackendHooks{
		StartContainer: func(image, containerID string, opt libhive.ContainerOptions) (*libhive.ContainerInfo, error) {
			mu.Lock()
			defer mu.Unlock()
			started = append(started, image)
			return nil, nil
		},
		StopContainer: func(containerID string) error {
			mu.Lock()
			defer mu.Unlock()
			stopped++
			return nil
		},
	}
	tm, srv := newFakeAPI(hooks)
	defer srv.Close()

	var pairs []string
	suite := Suite{Name: "pairs"}
	suite.Add(ClientPairTest("ping", "", func(t *T, a, b *Client) {
		pairs = append(pairs, a.Type+">"+b.Type)
	}))
	require.NoError(t, RunSuite(context.Background(), NewAt(srv.URL), suite))

	require.Equal(t, []string{"client-1>client-1", "client-1>client-2", "client-2>client-1", "client-2>client-2"}, pairs)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"portal/client-1", "portal/client-1",
		"portal/client-1", "portal/client-2",
		"portal/client-2", "portal/client-1",
		"portal/client-2", "portal/client-2",
	}, started)
	require.Equal(t, 8, stopped)
	require.Equal(t, []string{
		"ping (client-1) --> client-1",
		"ping (client-1) --> client-2",
		"ping (client-2) --> client-1",
		"ping (client-2) --> client-2",
	}, testNames(tm.Results()[0]))
}

// This test checks that network and group tests receive clients in roster order, even
// though they are started concurrently.
func TestConcurrentRosters(t *testing.T) {
	hooks := &fakes.BackendHooks{
		StartContainer: func(image, containerID string, opt libhive.ContainerOptions) (*libhive.ContainerInfo, error) {
			// Make later roster entries finish first.
			if image == "portal/client-1" {
				time.Sleep(20 * time.Millisecond)
			}
			return nil, nil
		},
	}
	tm, srv := newFakeAPI(hooks)
	defer srv.Close()

	var (
		networks [][]string
		group    []string
	)
	defs := []*ClientDefinition{{Name: "client-2"}, {Name: "client-1"}, {Name: "client-2"}}
	suite := Suite{Name: "rosters"}
	suite.Add(ClientNetworkTest("mesh", "", 1, func(t *T, clients []*Client) {
		networks = append(networks, clientTypes(clients))
	}))
	suite.Add(ClientGroupTest("group", "", defs, func(t *T, clients []*Client) {
		group = clientTypes(clients)
	}))
	require.NoError(t, RunSuite(context.Background(), NewAt(srv.URL), suite))

	require.Equal(t, [][]string{
		{"client-1", "client-1", "client-2", "client-1", "client-1", "client-2"},
		{"client-2", "client-1", "client-2", "client-2", "client-1", "client-2"},
	}, networks)
	require.Equal(t, []string{"client-2", "client-1", "client-2"}, group)
	require.Equal(t, []string{
		"mesh +--> [client-1] (network size: 6)",
		"mesh +--> [client-2] (network size: 6)",
		"group",
	}, testNames(tm.Results()[0]))
}

// This test checks that a client provisioning error aborts the suite run, leaving the
// test session open.
func TestProvisionErrorAborts(t *testing.T) {
	hooks := &fakes.BackendHooks{
		StartContainer: func(image, containerID string, opt libhive.ContainerOptions) (*libhive.ContainerInfo, error) {
			if image == "portal/client-2" {
				return nil, errors.New("client-2 is broken")
			}
			return nil, nil
		},
	}
	tm, srv := newFakeAPI(hooks)
	defer srv.Close()

	var ran []string
	suite := Suite{Name: "abort"}
	suite.Add(ClientTest("rpc", "", func(t *T, c *Client) {
		ran = append(ran, t.Name())
	}))
	suite.Add(SingleTest("never", "", func(t *T) {
		ran = append(ran, t.Name())
	}))

	err := RunSuite(context.Background(), NewAt(srv.URL), suite)
	require.Error(t, err)
	require.Contains(t, err.Error(), "client-2 is broken")
	require.Equal(t, []string{"rpc (client-1)"}, ran)

	// The suite was not ended.
	require.Empty(t, tm.Results())
	_, running := tm.IsTestRunning(2)
	require.True(t, running, "failed test should still be running")

	// Terminating the orchestrator ends it.
	require.NoError(t, tm.Terminate())
	results := tm.Results()
	require.Len(t, results, 1)
	require.Equal(t, libhive.TestResult{Pass: false, Details: "Test was terminated by host"}, results[0].TestCases[2].SummaryResult)
}

// This test checks that a panic in a test body is returned as an error and stops the run.
func TestPanicAborts(t *testing.T) {
	tm, srv := newFakeAPI(nil)
	defer srv.Close()

	ranAfter := false
	suite := Suite{Name: "panic"}
	suite.Add(SingleTest("panics", "", func(t *T) {
		panic("boom")
	}))
	suite.Add(SingleTest("after", "", func(t *T) {
		ranAfter = true
	}))

	err := RunSuite(context.Background(), NewAt(srv.URL), suite)
	require.Error(t, err)
	require.Contains(t, err.Error(), `test "panics" panicked: boom`)
	require.False(t, ranAfter)

	_, running := tm.IsTestRunning(1)
	require.True(t, running, "panicked test should not be ended")
	require.NoError(t, tm.Terminate())
}

// This test checks that the test pattern selects suites and tests, and that AlwaysRun
// tests can launch matching subtests.
func TestPatternSelection(t *testing.T) {
	tm, srv := newFakeAPI(nil)
	defer srv.Close()

	sim := NewAt(srv.URL)
	require.NoError(t, sim.SetTestPattern("selected/client-1"))

	var ran []string
	var mu sync.Mutex
	record := func(t *T) {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, t.Name())
	}

	launcher := SingleTest("launcher", "", func(t *T) {
		record(t)
		err := t.Run(ClientTest("sub", "", func(t *T, c *Client) { record(t) }))
		if err != nil {
			t.Fatal(err)
		}
	})
	launcher.AlwaysRun = true

	selected := Suite{Name: "selected"}
	selected.Add(launcher)
	selected.Add(SingleTest("other", "", record))
	skipped := Suite{Name: "skipped"}
	skipped.Add(SingleTest("client-1", "", record))

	require.NoError(t, Run(context.Background(), sim, selected, skipped))
	require.Equal(t, []string{"launcher", "sub (client-1)"}, ran)

	results := tm.Results()
	require.Len(t, results, 1, "skipped suite should not be started")
	require.Equal(t, []string{"launcher", "sub (client-1)"}, testNames(results[0]))
}

// This test checks that a single-run test receives its pre-bound client.
func TestSingleTestClient(t *testing.T) {
	tm, srv := newFakeAPI(nil)
	defer srv.Close()
	defer tm.Terminate()

	bound := &Client{Type: "external"}
	var got []*Client
	suite := Suite{Name: "single"}
	suite.Add(TestSpec{
		Name:   "bound",
		Kind:   SingleRun,
		Client: bound,
		Run:    func(t *T, c []*Client) { got = c },
	})
	require.NoError(t, RunSuite(context.Background(), NewAt(srv.URL), suite))
	require.Equal(t, []*Client{bound}, got)
}

// This test checks that clients can be started from within a test body.
func TestStartClientInBody(t *testing.T) {
	tm, srv := newFakeAPI(nil)
	defer srv.Close()

	suite := Suite{Name: "body"}
	suite.Add(SingleTest("start", "", func(t *T) {
		c, err := t.StartClient("client-1", Params{"HIVE_FOO": "bar"})
		if err != nil {
			t.Fatal("can't start client:", err)
		}
		if c.Type != "client-1" {
			t.Fatalf("wrong client type %q", c.Type)
		}
		if _, err := t.StartClient("nope"); err == nil {
			t.Fatal("expected error for unknown client")
		}
	}))
	require.NoError(t, RunSuite(context.Background(), NewAt(srv.URL), suite))

	tc := tm.Results()[0].TestCases[1]
	require.True(t, tc.SummaryResult.Pass, tc.SummaryResult.Details)
	require.Len(t, tc.ClientInfo, 1)
}

// removeTimestamps removes test timestamps in results so they can be
// compared using reflect.DeepEqual.
func removeTimestamps(result map[libhive.TestSuiteID]*libhive.TestSuite) {
	for _, suite := range result {
		for _, test := range suite.TestCases {
			test.Start = time.Time{}
			test.End = time.Time{}
		}
	}
}

// testNames returns the names of all tests in the suite, ordered by test ID.
func testNames(suite *libhive.TestSuite) []string {
	ids := make([]libhive.TestID, 0, len(suite.TestCases))
	for id := range suite.TestCases {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = suite.TestCases[id].Name
	}
	return names
}

func clientTypes(clients []*Client) []string {
	types := make([]string, len(clients))
	for i, c := range clients {
		types[i] = c.Type
	}
	return types
}
