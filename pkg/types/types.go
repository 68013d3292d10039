// Package types defines the core data structures shared across the engine:
// memory items, their tier/state machine, entities, and relationships.
package types

// Entity type constants for knowledge-graph nodes.
const (
	EntityTypePerson       = "person"
	EntityTypeOrganization = "organization"
	EntityTypeProject      = "project"
	EntityTypeLocation     = "location"
	EntityTypeEvent        = "event"

	EntityTypeDocument = "document"
	EntityTypeNote     = "note"
	EntityTypeFile     = "file"
	EntityTypeURL      = "url"
	EntityTypeEmail    = "email"
	EntityTypeMessage  = "message"

	EntityTypeConcept = "concept"
	EntityTypeTask    = "task"

	EntityTypeRepository  = "repository"
	EntityTypeCodeSnippet = "code_snippet"
	EntityTypeAPI         = "api"
	EntityTypeDatabase    = "database"
	EntityTypeServer      = "server"

	EntityTypeTool      = "tool"
	EntityTypeFramework = "framework"
	EntityTypeLanguage  = "language"
	EntityTypeLibrary   = "library"
)

// ValidEntityTypes lists all valid entity types for validation.
var ValidEntityTypes = []string{
	EntityTypePerson, EntityTypeOrganization, EntityTypeProject, EntityTypeLocation, EntityTypeEvent,
	EntityTypeDocument, EntityTypeNote, EntityTypeFile, EntityTypeURL, EntityTypeEmail, EntityTypeMessage,
	EntityTypeConcept, EntityTypeTask,
	EntityTypeRepository, EntityTypeCodeSnippet, EntityTypeAPI, EntityTypeDatabase, EntityTypeServer,
	EntityTypeTool, EntityTypeFramework, EntityTypeLanguage, EntityTypeLibrary,
}

// Relationship type constants.
const (
	RelUses          = "uses"
	RelUsedBy        = "used_by"
	RelKnows         = "knows"
	RelKnownBy       = "known_by"
	RelWorksWith     = "works_with"
	RelFriendOf      = "friend_of"
	RelColleagueOf   = "colleague_of"
	RelConflictsWith = "conflicts_with"

	RelParentOf  = "parent_of"
	RelChildOf   = "child_of"
	RelDependsOn = "depends_on"
	RelRequiredBy = "required_by"
	RelContains  = "contains"
	RelBelongsTo = "belongs_to"
	RelBlocks    = "blocks"
	RelBlockedBy = "blocked_by"

	RelImplements = "implements"
	RelSupersedes = "supersedes"
	RelReferences = "references"
	RelDocuments  = "documents"

	RelRelatesTo = "relates_to"
)

// ValidRelationshipTypes lists all valid relationship types for validation.
var ValidRelationshipTypes = []string{
	RelUses, RelUsedBy,
	RelKnows, RelKnownBy,
	RelWorksWith,
	RelFriendOf,
	RelColleagueOf,
	RelConflictsWith,
	RelParentOf, RelChildOf,
	RelContains, RelBelongsTo,
	RelDependsOn, RelRequiredBy,
	RelBlocks, RelBlockedBy,
	RelImplements,
	RelSupersedes,
	RelReferences,
	RelDocuments,
	RelRelatesTo,
}

// IsValidEntityType checks if the given entity type is valid.
func IsValidEntityType(entityType string) bool {
	for _, valid := range ValidEntityTypes {
		if valid == entityType {
			return true
		}
	}
	return false
}

// IsValidRelationshipType checks if the given relationship type is valid.
func IsValidRelationshipType(relType string) bool {
	for _, valid := range ValidRelationshipTypes {
		if valid == relType {
			return true
		}
	}
	return false
}
