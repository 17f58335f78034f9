package queue

import "sort"

// Order is the result of dependency-ordering a batch of items.
type Order struct {
	Items []*Item
	// Cycles lists the members of each detected dependency cycle, by
	// qualified reference. Cycle members are still present in Items.
	Cycles [][]string
}

// Sort produces a topologically sorted execution order using Kahn's
// algorithm. Edges pointing outside the batch are treated as already
// resolved. Among the initially dependency-free items, lower difficulty runs
// first. A cycle never blocks unrelated work: its members are materialized
// for diagnostics and appended to the output in input order.
func Sort(items []*Item) *Order {
	index := map[string]int{}
	for i, it := range items {
		index[it.Ref()] = i
	}

	indegree := make([]int, len(items))
	successors := make([][]int, len(items))
	for i, it := range items {
		for _, dep := range it.DependsOn {
			j, ok := index[dep]
			if !ok || j == i {
				continue // outside the batch, or a self-reference
			}
			indegree[i]++
			successors[j] = append(successors[j], i)
		}
	}

	var ready []int
	for i := range items {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	// Tie-break the initial frontier by ascending difficulty, stable on
	// input order. Items freed later join the queue in FIFO order.
	sort.SliceStable(ready, func(a, b int) bool {
		return items[ready[a]].Difficulty < items[ready[b]].Difficulty
	})

	out := &Order{}
	placed := make([]bool, len(items))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		placed[i] = true
		out.Items = append(out.Items, items[i])
		for _, succ := range successors[i] {
			indegree[succ]--
			if indegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	if len(out.Items) == len(items) {
		return out
	}

	// Anything not placed is on (or downstream of) a cycle. Walk each
	// omitted node through its first unresolved dependency to materialize
	// the cycle membership, then append all omitted nodes in input order so
	// no item is silently dropped.
	seen := map[string]bool{}
	for i, it := range items {
		if placed[i] {
			continue
		}
		cycle := traceCycle(items, index, placed, i)
		if len(cycle) > 0 && !seen[cycleKey(cycle)] {
			seen[cycleKey(cycle)] = true
			out.Cycles = append(out.Cycles, cycle)
		}
		out.Items = append(out.Items, it)
	}
	return out
}

// traceCycle follows first-unresolved-dependency links from start until a
// node repeats, returning the repeating segment's references.
func traceCycle(items []*Item, index map[string]int, placed []bool, start int) []string {
	visited := map[int]int{} // node -> position in path
	path := []int{}
	cur := start
	for {
		if pos, ok := visited[cur]; ok {
			refs := make([]string, 0, len(path)-pos)
			for _, n := range path[pos:] {
				refs = append(refs, items[n].Ref())
			}
			return refs
		}
		visited[cur] = len(path)
		path = append(path, cur)

		next := -1
		for _, dep := range items[cur].DependsOn {
			j, ok := index[dep]
			if !ok || placed[j] || j == cur {
				continue
			}
			next = j
			break
		}
		if next < 0 {
			return nil
		}
		cur = next
	}
}

func cycleKey(cycle []string) string {
	// Rotate so the lexicographically smallest ref leads; the same cycle
	// traced from different entry points then produces one key.
	min := 0
	for i := range cycle {
		if cycle[i] < cycle[min] {
			min = i
		}
	}
	key := ""
	for i := range cycle {
		key += cycle[(min+i)%len(cycle)] + "|"
	}
	return key
}
