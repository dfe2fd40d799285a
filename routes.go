package neoflow

// routes.go provides shortest path routes through the fat-tree.
//
// The approach is to convert the device/link description into the data
// structures of gonum's graph package and let its Dijkstra implementation
// find paths.  Host and edge links weigh 1; the uplink to core switch c
// weighs a hair more than 1 for c > 0 so that, among equal-hop paths, the
// lowest numbered core switch is always the one chosen and routes are the
// same from run to run.
//
// A shortest path tree is computed once per source device and cached.  If a tree
// rooted at the destination already exists, the reversed path from it is used.

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"k8s.io/klog/v2"
)

// coreTieBreak is the weight added per core index to uplinks
const coreTieBreak = 1e-6

type rtEndpts struct {
	srcID, dstID int
}

// routeTable holds the graph representation of the network and caches
// of the routes computed through it
type routeTable struct {
	connGraph *simple.WeightedUndirectedGraph
	cachedSP  map[int]path.Shortest
	routes    map[rtEndpts][]int
	names     map[int]string
}

// createRouteTable is a constructor; edges are added with addEdge
func createRouteTable() *routeTable {
	rt := new(routeTable)
	rt.connGraph = simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	rt.cachedSP = make(map[int]path.Shortest)
	rt.routes = make(map[rtEndpts][]int)
	rt.names = make(map[int]string)
	return rt
}

// addEdge represents a link between two devices
func (rt *routeTable) addEdge(idA, idB int, weight float64) {
	rt.connGraph.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(idA), T: simple.Node(idB), W: weight})
}

// getSPTree returns the shortest path tree rooted at 'from'.  If the tree is found
// in the cache it is returned, if not it is computed, saved, and returned.
func (rt *routeTable) getSPTree(from int) path.Shortest {
	spTree, present := rt.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(simple.Node(from), rt.connGraph)
	rt.cachedSP[from] = spTree
	return spTree
}

// convertNodeSeq extracts the device ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []int {
	rtn := make([]int, len(nsQ))
	for idx, node := range nsQ {
		rtn[idx] = int(node.ID())
	}
	return rtn
}

// route returns the sequence of device ids from srcID to dstID, inclusive.
// The result is shared with the cache and must not be modified.
func (rt *routeTable) route(srcID, dstID int) ([]int, error) {
	endpts := rtEndpts{srcID: srcID, dstID: dstID}
	if seq, present := rt.routes[endpts]; present {
		return seq, nil
	}

	var seq []int
	if spTree, present := rt.cachedSP[dstID]; present {
		// by symmetry the path from the destination's tree, reversed, is the one we want
		revNodeSeq, _ := spTree.To(int64(srcID))
		revRoute := convertNodeSeq(revNodeSeq)
		seq = make([]int, len(revRoute))
		for idx := range revRoute {
			seq[idx] = revRoute[len(revRoute)-idx-1]
		}
	} else {
		nodeSeq, _ := rt.getSPTree(srcID).To(int64(dstID))
		seq = convertNodeSeq(nodeSeq)
	}

	if len(seq) == 0 {
		return nil, fmt.Errorf("no route from device %d to device %d", srcID, dstID)
	}
	rt.routes[endpts] = seq
	if klog.V(4).Enabled() {
		klog.V(4).InfoS("Route computed", "src", srcID, "dst", dstID, "path", ShowPath(seq, rt.names))
	}
	return seq, nil
}

// ShowPath returns a string that lists the names of the devices on a route
func ShowPath(route []int, idToName map[int]string) string {
	names := make([]string, len(route))
	for idx, id := range route {
		names[idx] = idToName[id]
	}
	return strings.Join(names, ",")
}
