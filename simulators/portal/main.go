// The portal simulator checks that portal network clients can talk to each other.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/portal-hive/hivesim"
	"github.com/ethereum/portal-hive/internal/portal"
	"github.com/ethereum/portal-hive/internal/simconfig"
	"gopkg.in/inconshreveable/log15.v2"
)

func main() {
	dataFile := flag.String("testdata", "testdata/content.yaml", "YAML file with content keys and values")
	flag.Parse()

	cfg, err := simconfig.Load(".env")
	if err != nil {
		fatalf("%v", err)
	}
	simconfig.SetupLogging(os.Stderr, cfg.LogLevel)

	content, err := portal.LoadTestData(*dataFile)
	if err != nil {
		fatalf("%v", err)
	}
	sim := hivesim.NewAt(cfg.Simulator)
	if err := sim.SetTestPattern(cfg.TestPattern); err != nil {
		fatalf("%v", err)
	}
	hivesim.MustRunSuite(context.Background(), sim, newSuite(content))
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "portal: "+format+"\n", args...)
	os.Exit(1)
}

func newSuite(content []portal.ContentPair) hivesim.Suite {
	suite := hivesim.Suite{
		Name: "portal-interop",
		Description: `The portal-interop suite checks node info, discovery and content
exchange between all pairs of portal network clients.`,
	}
	suite.Add(hivesim.ClientTest("discv5_nodeInfo", "Node info has a valid ENR and node id.", nodeInfoTest))
	suite.Add(hivesim.ClientTest("CLIENT enr client tag", "The ENR carries the client tag of the implementation.", clientTagTest))
	suite.Add(hivesim.ClientPairTest("portal_historyPing", "Both clients of a pair can ping each other.", pingTest))
	suite.Add(hivesim.ClientNetworkTest("portal mesh", "Clients ping around a ring and keep the pinged node in their routing table.", 1, meshTest))
	exchange := hivesim.SingleTest("content exchange", "Runs content store tests for every client pair.", func(t *hivesim.T) {
		for _, pair := range content {
			pair := pair
			spec := hivesim.ClientPairTest("store "+pair.Name, "", func(t *hivesim.T, a, b *hivesim.Client) {
				storeTest(t, a, b, pair)
			})
			if err := t.Run(spec); err != nil {
				t.Fatalf("running %q: %v", spec.Name, err)
			}
		}
	})
	exchange.AlwaysRun = true
	suite.Add(exchange)
	return suite
}

func nodeInfoTest(t *hivesim.T, c *hivesim.Client) {
	info, err := portal.GetNodeInfo(t.Context(), c.RPC())
	if err != nil {
		t.Fatal("discv5_nodeInfo failed:", err)
	}
	n, err := info.Node()
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("%s node %s", c.Type, n.ID().TerminalString())
}

func clientTagTest(t *hivesim.T, c *hivesim.Client) {
	info, err := portal.GetNodeInfo(t.Context(), c.RPC())
	if err != nil {
		t.Fatal("discv5_nodeInfo failed:", err)
	}
	n, err := portal.ParseENR(info.ENR)
	if err != nil {
		t.Fatal(err)
	}
	if err := portal.CheckClientTag(n, c.Type); err != nil {
		t.Fatal(err)
	}
}

func pingTest(t *hivesim.T, a, b *hivesim.Client) {
	for _, dir := range [][2]*hivesim.Client{{a, b}, {b, a}} {
		from, to := dir[0], dir[1]
		if err := ping(t.Context(), from, to); err != nil {
			t.Fatalf("%s --> %s: %v", from.Type, to.Type, err)
		}
	}
}

func ping(ctx context.Context, from, to *hivesim.Client) error {
	target, err := portal.GetNodeInfo(ctx, to.RPC())
	if err != nil {
		return fmt.Errorf("discv5_nodeInfo: %w", err)
	}
	pong, err := portal.HistoryPing(ctx, from.RPC(), target.ENR)
	if err != nil {
		return fmt.Errorf("portal_historyPing: %w", err)
	}
	log15.Debug("pong", "from", from.Type, "to", to.Type, "enrSeq", pong.EnrSeq, "radius", pong.DataRadius)
	return nil
}

// meshTest pings each node's successor in the network and then checks that the
// successor appears in the node's routing table.
func meshTest(t *hivesim.T, clients []*hivesim.Client) {
	ctx := t.Context()
	ids := make([]string, len(clients))
	for i, c := range clients {
		info, err := portal.GetNodeInfo(ctx, c.RPC())
		if err != nil {
			t.Fatalf("node %d (%s): %v", i, c.Type, err)
		}
		ids[i] = normalizeID(info.NodeID)
	}
	for i, next := range ring(len(clients)) {
		if err := ping(ctx, clients[i], clients[next]); err != nil {
			t.Fatalf("node %d (%s) --> node %d (%s): %v", i, clients[i].Type, next, clients[next].Type, err)
		}
	}
	for i, next := range ring(len(clients)) {
		table, err := portal.HistoryRoutingTable(ctx, clients[i].RPC())
		if err != nil {
			t.Fatalf("node %d (%s): %v", i, clients[i].Type, err)
		}
		if !containsID(table.Buckets.Peers(), ids[next]) {
			t.Failf("node %d (%s) routing table is missing node %d (%s)", i, clients[i].Type, next, clients[next].Type)
		}
	}
}

// ring returns the successor index of each of n nodes.
func ring(n int) []int {
	next := make([]int, n)
	for i := range next {
		next[i] = (i + 1) % n
	}
	return next
}

func normalizeID(id string) string {
	return strings.TrimPrefix(strings.ToLower(id), "0x")
}

func containsID(peers []string, id string) bool {
	for _, p := range peers {
		if normalizeID(p) == id {
			return true
		}
	}
	return false
}

// storeTest stores content in a, reads it back and has b ping a afterwards.
func storeTest(t *hivesim.T, a, b *hivesim.Client, pair portal.ContentPair) {
	ctx := t.Context()
	stored, err := portal.HistoryStore(ctx, a.RPC(), pair.Key, pair.Value)
	if err != nil {
		t.Fatal("portal_historyStore failed:", err)
	}
	if !stored {
		t.Fatalf("%s did not store content %s", a.Type, pair.Key)
	}
	value, err := portal.HistoryLocalContent(ctx, a.RPC(), pair.Key)
	if err != nil {
		t.Fatalf("portal_historyLocalContent on %s: %v", a.Type, err)
	}
	if !strings.EqualFold(value, pair.Value) {
		t.Fatalf("%s returned wrong content for %s", a.Type, pair.Key)
	}
	if err := ping(ctx, b, a); err != nil {
		t.Fatalf("%s --> %s: %v", b.Type, a.Type, err)
	}
}
