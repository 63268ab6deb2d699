package beacon

import (
	"encoding/json"
	"sort"
	"sync"
)

// Graph is the triple of published topics, subscribed topics, and
// advertised services, each mapping a name to the set of provider/
// subscriber ids publishing or consuming it (spec.md §3 ConnectionGraph).
type Graph struct {
	PublishedTopics   map[string]map[string]struct{}
	SubscribedTopics  map[string]map[string]struct{}
	AdvertisedServices map[string]map[string]struct{}
}

// NewGraph returns an empty Graph, ready to be filled in before Update.
func NewGraph() Graph {
	return Graph{
		PublishedTopics:    map[string]map[string]struct{}{},
		SubscribedTopics:   map[string]map[string]struct{}{},
		AdvertisedServices: map[string]map[string]struct{}{},
	}
}

// topicEntry and serviceEntry are the diff's JSON shapes.
type topicEntry struct {
	Name string   `json:"name"`
	IDs  []string `json:"publisherIds"`
}

type subscribedEntry struct {
	Name string   `json:"name"`
	IDs  []string `json:"subscriberIds"`
}

type serviceEntry struct {
	Name string   `json:"name"`
	IDs  []string `json:"providerIds"`
}

// GraphDiff is the incremental update produced by ConnectionGraph.Update,
// matching the connectionGraphUpdate wire payload (spec.md §4.4, §4.6.7).
type GraphDiff struct {
	PublishedTopics    []topicEntry      `json:"publishedTopics"`
	SubscribedTopics   []subscribedEntry `json:"subscribedTopics"`
	AdvertisedServices []serviceEntry    `json:"advertisedServices"`
	RemovedTopics      []string          `json:"removedTopics"`
	RemovedServices    []string          `json:"removedServices"`
}

// IsEmpty reports whether the diff carries no changes at all (spec.md P4).
func (d GraphDiff) IsEmpty() bool {
	return len(d.PublishedTopics) == 0 && len(d.SubscribedTopics) == 0 &&
		len(d.AdvertisedServices) == 0 && len(d.RemovedTopics) == 0 &&
		len(d.RemovedServices) == 0
}

// JSON marshals the diff to the wire representation.
func (d GraphDiff) JSON() ([]byte, error) {
	return json.Marshal(d)
}

// ConnectionGraph holds the last-published snapshot and computes
// incremental diffs against it (spec.md §4.4).
type ConnectionGraph struct {
	mu   sync.Mutex
	prev Graph
}

// NewConnectionGraph returns a ConnectionGraph starting from an empty
// previous snapshot.
func NewConnectionGraph() *ConnectionGraph {
	return &ConnectionGraph{prev: NewGraph()}
}

// Update replaces the previous snapshot with next and returns the diff
// between them, per the algorithm in spec.md §4.4:
//  1. Changed or newly-present published topics -> PublishedTopics.
//  2. Same for subscribed topics -> SubscribedTopics.
//  3. Same for advertised services -> AdvertisedServices.
//  4. Service names present before but absent now -> RemovedServices.
//  5. Topic names that were published-or-subscribed before but are neither
//     now -> RemovedTopics.
func (g *ConnectionGraph) Update(next Graph) GraphDiff {
	g.mu.Lock()
	defer g.mu.Unlock()

	var diff GraphDiff

	for name, ids := range next.PublishedTopics {
		if prevIDs, ok := g.prev.PublishedTopics[name]; !ok || !sameIDSet(prevIDs, ids) {
			diff.PublishedTopics = append(diff.PublishedTopics, topicEntry{Name: name, IDs: sortedKeys(ids)})
		}
	}
	sortTopicEntries(diff.PublishedTopics)

	for name, ids := range next.SubscribedTopics {
		if prevIDs, ok := g.prev.SubscribedTopics[name]; !ok || !sameIDSet(prevIDs, ids) {
			diff.SubscribedTopics = append(diff.SubscribedTopics, subscribedEntry{Name: name, IDs: sortedKeys(ids)})
		}
	}
	sortSubscribedEntries(diff.SubscribedTopics)

	for name, ids := range next.AdvertisedServices {
		if prevIDs, ok := g.prev.AdvertisedServices[name]; !ok || !sameIDSet(prevIDs, ids) {
			diff.AdvertisedServices = append(diff.AdvertisedServices, serviceEntry{Name: name, IDs: sortedKeys(ids)})
		}
	}
	sortServiceEntries(diff.AdvertisedServices)

	for name := range g.prev.AdvertisedServices {
		if _, ok := next.AdvertisedServices[name]; !ok {
			diff.RemovedServices = append(diff.RemovedServices, name)
		}
	}
	sort.Strings(diff.RemovedServices)

	prevTopics := unionKeys(g.prev.PublishedTopics, g.prev.SubscribedTopics)
	for name := range prevTopics {
		_, inPub := next.PublishedTopics[name]
		_, inSub := next.SubscribedTopics[name]
		if !inPub && !inSub {
			diff.RemovedTopics = append(diff.RemovedTopics, name)
		}
	}
	sort.Strings(diff.RemovedTopics)

	g.prev = cloneGraph(next)
	return diff
}

// Snapshot returns a copy of the last-published graph.
func (g *ConnectionGraph) Snapshot() Graph {
	g.mu.Lock()
	defer g.mu.Unlock()
	return cloneGraph(g.prev)
}

func sameIDSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func unionKeys(a, b map[string]map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func cloneGraph(g Graph) Graph {
	out := NewGraph()
	for k, v := range g.PublishedTopics {
		out.PublishedTopics[k] = cloneSet(v)
	}
	for k, v := range g.SubscribedTopics {
		out.SubscribedTopics[k] = cloneSet(v)
	}
	for k, v := range g.AdvertisedServices {
		out.AdvertisedServices[k] = cloneSet(v)
	}
	return out
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func sortTopicEntries(e []topicEntry)           { sort.Slice(e, func(i, j int) bool { return e[i].Name < e[j].Name }) }
func sortSubscribedEntries(e []subscribedEntry) { sort.Slice(e, func(i, j int) bool { return e[i].Name < e[j].Name }) }
func sortServiceEntries(e []serviceEntry)       { sort.Slice(e, func(i, j int) bool { return e[i].Name < e[j].Name }) }
