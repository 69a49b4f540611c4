package retrieval

import "github.com/matrixfabric/matrixfabric/internal/store"

// CanAccess decides whether a caller may read an entity. A nil caller is
// the orchestrator and sees everything; a nil owner means the entity was
// written by the orchestrator and is readable by all agents; otherwise the
// owner or a shared visibility level grants access.
func CanAccess(caller, owner *int64, visibility string) bool {
	if caller == nil {
		return true
	}
	if owner == nil {
		return true
	}
	if *caller == *owner {
		return true
	}
	return visibility == store.VisibilityShared || visibility == store.VisibilityPublic
}

// matchesProject applies the project-path scope filter. Entities without a
// project path stay visible to the orchestrator regardless of its filter;
// agents only see their own project's entries when a filter is set.
func matchesProject(scope Scope, projectPath string) bool {
	if scope.ProjectPath == "" {
		return true
	}
	if projectPath == scope.ProjectPath {
		return true
	}
	return projectPath == "" && scope.AgentID == nil
}
