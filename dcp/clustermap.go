package dcp

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/couchbase/dcpclient/conductor"
)

// bucketConfig is the subset of the Couchbase bucket-config JSON this
// client needs, patterned after VBucketServerMap in
// primitives/couchbase/ns_server.go: a server list plus, per vbucket,
// the index of its active node (replica indices are read but not
// retained — spec.md §4.4 never streams from a replica).
type bucketConfig struct {
	Rev              interface{} `json:"rev"`
	VBucketServerMap struct {
		ServerList []string `json:"serverList"`
		VBucketMap [][]int  `json:"vBucketMap"`
	} `json:"vBucketServerMap"`
}

// ParseClusterMap decodes a Couchbase bucket-config JSON document
// (whether returned by GET_CLUSTER_CONFIG or pushed by the server)
// into a conductor.ClusterMap. It implements
// channel.ClusterMapParser.
func ParseClusterMap(body []byte) (conductor.ClusterMap, error) {
	var cfg bucketConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return conductor.ClusterMap{}, errors.Wrap(err, "dcpclient/dcp: malformed cluster map JSON")
	}

	nodes := make([]conductor.Node, len(cfg.VBucketServerMap.ServerList))
	for i, hostPort := range cfg.VBucketServerMap.ServerList {
		node, err := parseNode(hostPort)
		if err != nil {
			return conductor.ClusterMap{}, errors.Wrapf(err, "dcpclient/dcp: server list entry %q", hostPort)
		}
		nodes[i] = node
	}

	owners := make([]int, len(cfg.VBucketServerMap.VBucketMap))
	for vbno, row := range cfg.VBucketServerMap.VBucketMap {
		if len(row) == 0 {
			owners[vbno] = -1
			continue
		}
		owners[vbno] = row[0] // index 0 is always the active copy
	}

	return conductor.ClusterMap{
		Revision:           parseRevision(cfg.Rev),
		Nodes:              nodes,
		VBucketToNodeIndex: owners,
	}, nil
}

// parseRevision accepts either a bare number or a "epoch-number"
// string, matching the two shapes ns_server has used for bucket
// config revisions across cluster versions.
func parseRevision(raw interface{}) conductor.Revision {
	switch v := raw.(type) {
	case float64:
		return conductor.Revision{Number: uint64(v)}
	case string:
		parts := strings.SplitN(v, "-", 2)
		if len(parts) == 2 {
			epoch, _ := strconv.ParseUint(parts[0], 10, 64)
			number, _ := strconv.ParseUint(parts[1], 10, 64)
			return conductor.Revision{Epoch: epoch, Number: number}
		}
		number, _ := strconv.ParseUint(v, 10, 64)
		return conductor.Revision{Number: number}
	default:
		return conductor.Revision{}
	}
}

func parseNode(hostPort string) (conductor.Node, error) {
	idx := strings.LastIndex(hostPort, ":")
	if idx < 0 {
		return conductor.Node{}, errors.Errorf("missing port in %q", hostPort)
	}
	port, err := strconv.Atoi(hostPort[idx+1:])
	if err != nil {
		return conductor.Node{}, errors.Wrapf(err, "invalid port in %q", hostPort)
	}
	return conductor.Node{Host: hostPort[:idx], Port: port}, nil
}
