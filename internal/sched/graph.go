package sched

// depGraph keeps dependency edges in both directions so that readiness
// checks (job -> its dependencies) and completion/failure cascades
// (job -> its dependents) are both O(edges touched).
//
// Invariant: the graph is always acyclic. add rejects any edge that would
// close a cycle before mutating either adjacency map. All access happens
// under the Core mutex.
type depGraph struct {
	dependsOn  map[string]map[string]struct{} // job -> jobs it waits for
	dependents map[string]map[string]struct{} // job -> jobs waiting for it
}

func newDepGraph() *depGraph {
	return &depGraph{
		dependsOn:  map[string]map[string]struct{}{},
		dependents: map[string]map[string]struct{}{},
	}
}

// add records "job depends on dep". Both directions are updated together,
// or not at all when the edge would create a cycle.
func (g *depGraph) add(job, dep string) error {
	if job == dep {
		return ErrCycle
	}
	// If job is already reachable from dep along depends-on edges, the new
	// edge dep->...->job plus job->dep closes a cycle.
	if g.reachable(dep, job) {
		return ErrCycle
	}
	if g.dependsOn[job] == nil {
		g.dependsOn[job] = map[string]struct{}{}
	}
	g.dependsOn[job][dep] = struct{}{}
	if g.dependents[dep] == nil {
		g.dependents[dep] = map[string]struct{}{}
	}
	g.dependents[dep][job] = struct{}{}
	return nil
}

// reachable reports whether target can be reached from start by following
// depends-on edges. Iterative DFS; the graph is acyclic so no visit bound
// beyond the seen set is needed.
func (g *depGraph) reachable(start, target string) bool {
	if start == target {
		return true
	}
	seen := map[string]struct{}{start: {}}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for dep := range g.dependsOn[n] {
			if dep == target {
				return true
			}
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			stack = append(stack, dep)
		}
	}
	return false
}

// deps returns the ids job directly depends on.
func (g *depGraph) deps(job string) map[string]struct{} { return g.dependsOn[job] }

// directDependents returns the ids directly waiting on job.
func (g *depGraph) directDependents(job string) map[string]struct{} { return g.dependents[job] }

// transitiveDependents collects every job downstream of id, each visited
// once.
func (g *depGraph) transitiveDependents(id string) []string {
	var out []string
	seen := map[string]struct{}{id: {}}
	stack := []string{id}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for dep := range g.dependents[n] {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			out = append(out, dep)
			stack = append(stack, dep)
		}
	}
	return out
}

// edgeCount is a diagnostics helper.
func (g *depGraph) edgeCount() int {
	n := 0
	for _, m := range g.dependsOn {
		n += len(m)
	}
	return n
}
