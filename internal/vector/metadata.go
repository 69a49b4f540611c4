package vector

import (
	"fmt"
	"strconv"
	"strings"
)

// Metadata keys shared between the indexer, which writes documents, and
// retrieval, which filters on them.
const (
	MetaKeyParent     = "parent"
	MetaKeyEntity     = "entity"
	MetaKeyAgentID    = "agent_id"
	MetaKeyVisibility = "visibility"
	MetaKeyProject    = "project_path"
	MetaKeyCategory   = "category"
)

// Entity values for MetaKeyEntity.
const (
	EntityLearning = "learning"
	EntitySession  = "session"
)

// LearningDocID returns the canonical document id for a learning.
func LearningDocID(id int64) string {
	return fmt.Sprintf("learning_%d", id)
}

// LearningIDFromDoc parses a learning id back out of a document or chunk
// id. Returns false for ids of other entities.
func LearningIDFromDoc(docID string) (int64, bool) {
	parent := ParentID(docID)
	raw, ok := strings.CutPrefix(parent, "learning_")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// AgentMetadataValue renders an owner column for document metadata. The
// orchestrator's NULL owner is stored as "0".
func AgentMetadataValue(agentID *int64) string {
	if agentID == nil {
		return "0"
	}
	return strconv.FormatInt(*agentID, 10)
}
