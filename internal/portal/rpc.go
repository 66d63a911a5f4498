// Package portal contains helpers for testing portal network clients over JSON-RPC.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/rpc"
)

// NodeInfo is the response of discv5_nodeInfo.
type NodeInfo struct {
	ENR    string `json:"enr"`
	NodeID string `json:"nodeId"`
}

// Node decodes the ENR and checks that it matches the reported node ID.
func (info *NodeInfo) Node() (*enode.Node, error) {
	if info.ENR == "" || info.NodeID == "" {
		return nil, fmt.Errorf("incomplete node info: %+v", *info)
	}
	n, err := ParseENR(info.ENR)
	if err != nil {
		return nil, err
	}
	if id := strings.TrimPrefix(strings.ToLower(info.NodeID), "0x"); id != n.ID().String() {
		return nil, fmt.Errorf("node id %s does not match ENR id %s", info.NodeID, n.ID())
	}
	return n, nil
}

// PongInfo is the response of portal_historyPing.
type PongInfo struct {
	EnrSeq     uint64 `json:"enrSeq"`
	DataRadius string `json:"dataRadius"`
}

// RoutingTableInfo is the response of portal_historyRoutingTableInfo.
type RoutingTableInfo struct {
	LocalNodeID string  `json:"localNodeId"`
	Buckets     Buckets `json:"buckets"`
}

// Buckets holds the node IDs of a routing table, grouped by bucket. Clients report
// buckets either as a list or as an object keyed by bucket index.
type Buckets [][]string

func (b *Buckets) UnmarshalJSON(input []byte) error {
	var list [][]string
	if err := json.Unmarshal(input, &list); err == nil {
		*b = list
		return nil
	}
	var obj map[string][]string
	if err := json.Unmarshal(input, &obj); err != nil {
		return fmt.Errorf("invalid buckets: %w", err)
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	*b = make([][]string, 0, len(keys))
	for _, k := range keys {
		*b = append(*b, obj[k])
	}
	return nil
}

// Peers returns all node IDs in the table.
func (b Buckets) Peers() []string {
	var peers []string
	for _, bucket := range b {
		peers = append(peers, bucket...)
	}
	return peers
}

// GetNodeInfo calls discv5_nodeInfo.
func GetNodeInfo(ctx context.Context, c *rpc.Client) (*NodeInfo, error) {
	var info NodeInfo
	if err := c.CallContext(ctx, &info, "discv5_nodeInfo"); err != nil {
		return nil, err
	}
	return &info, nil
}

// HistoryPing calls portal_historyPing with the ENR of the target node.
func HistoryPing(ctx context.Context, c *rpc.Client, enr string) (*PongInfo, error) {
	var pong *PongInfo
	if err := c.CallContext(ctx, &pong, "portal_historyPing", enr); err != nil {
		return nil, err
	}
	if pong == nil {
		return nil, fmt.Errorf("empty ping response")
	}
	return pong, nil
}

// HistoryRoutingTable calls portal_historyRoutingTableInfo.
func HistoryRoutingTable(ctx context.Context, c *rpc.Client) (*RoutingTableInfo, error) {
	var table *RoutingTableInfo
	if err := c.CallContext(ctx, &table, "portal_historyRoutingTableInfo"); err != nil {
		return nil, err
	}
	if table == nil {
		return nil, fmt.Errorf("empty routing table response")
	}
	return table, nil
}

// HistoryStore calls portal_historyStore.
func HistoryStore(ctx context.Context, c *rpc.Client, key, value string) (bool, error) {
	var stored bool
	err := c.CallContext(ctx, &stored, "portal_historyStore", key, value)
	return stored, err
}

// HistoryLocalContent calls portal_historyLocalContent.
func HistoryLocalContent(ctx context.Context, c *rpc.Client, key string) (string, error) {
	var content string
	err := c.CallContext(ctx, &content, "portal_historyLocalContent", key)
	return content, err
}
