/*
Package hivesim runs conformance test suites against client implementations managed by a
hive orchestrator.

A suite is an ordered list of test specifications:

	suite := hivesim.Suite{
		Name:        "portal-interop",
		Description: "Tests interoperability between portal clients.",
	}
	suite.Add(hivesim.ClientTest("ping", "Pings the client.", func(t *hivesim.T, c *hivesim.Client) {
		if err := c.RPC().Call(nil, "portal_historyPing", enr); err != nil {
			t.Fatal(err)
		}
	}))

Each specification expands into one or more test executions, depending on its Kind:

	SingleRun          once, no clients
	PerClient          once per client type, one client
	PerClientPair      once per ordered pair of client types
	PerClientGroup     once, one client per roster entry
	PerClientNetwork   once per client type, against a network of all client types

Every execution is registered with the orchestrator, its clients are started, the test
function runs and the result is reported. Tests mark themselves as failed with T.Fail or
T.Fatal. Errors talking to the orchestrator abort the suite run.

Suites are run against an Orchestrator. Simulation implements it over the hive HTTP API:

	sim := hivesim.NewAt(os.Getenv("HIVE_SIMULATOR"))
	sim.SetTestPattern(os.Getenv("HIVE_TEST_PATTERN"))
	hivesim.MustRunSuite(ctx, sim, suite)

The test pattern has the form "suite/test", where both parts are case-insensitive regular
expressions. Suites and tests that don't match are skipped, unless their AlwaysRun flag is
set.
*/
package hivesim
