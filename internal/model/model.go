// Package model holds the core data types shared by every component of
// the replication engine (§3): the row/transaction/subscription shapes
// the protocol carries, independent of how they're encoded on the wire
// (internal/wire) or persisted by external collaborators (internal/collab).
package model

// LSN is an opaque, totally ordered WAL position. The core never
// interprets it — only the WalSource's Compare method does (§3, §9).
type LSN []byte

// RelationIdentity is the stable identity of a table-like schema object,
// independent of the volatile relation_id advertised on the wire (§3).
type RelationIdentity struct {
	Schema string
	Table  string
}

// Column describes one field of a Relation (§3).
type Column struct {
	Name           string
	PgType         string
	Nullable       bool
	PartOfIdentity bool
}

// Relation is a table-like schema object: a stable identity plus its
// ordered columns and primary key set (§3). Column ordering is stable
// within one advertised relation_id assignment.
type Relation struct {
	Identity    RelationIdentity
	Columns     []Column
	PrimaryKeys map[string]struct{}

	// CanonicalID is the schema cache's canonical identifier for this
	// relation (e.g. a PG OID), used to seed the wire relation_id when a
	// registry first resolves this identity. Zero means "no canonical id
	// available" — the registry falls back to a content hash (§9).
	CanonicalID uint32
}

// ColumnNames returns the relation's column names in declaration order.
func (r *Relation) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// ChangeKind distinguishes the variant of a Change.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
	ChangeMigrate
)

// RowMap is a row image keyed by column name. A key absent from the map,
// or present with a nil value, means NULL; a key present with a non-nil
// (possibly zero-length) value means that literal value (§3, invariant on
// Row).
type RowMap map[string][]byte

// MigrationStmt is one target-dialect DDL statement (§3, §6).
type MigrationStmt struct {
	Type string
	Sql  string
}

// TableDef is the resulting table descriptor attached to a migration (§3).
type TableDef struct {
	Name        string
	Columns     []Column
	PrimaryKeys []string
}

// Change is a tagged variant: Insert, Update, Delete, or Migrate (§3).
// Exactly the fields relevant to Kind are populated.
type Change struct {
	Kind     ChangeKind
	Relation RelationIdentity

	New RowMap // Insert, Update
	Old RowMap // Update, Delete; nil means "no previous image"

	Tags []string // "<origin>@<commit_ts_microseconds>"

	// Migrate-only fields. RawSQL holds one captured, untranslated DDL
	// statement before it passes through the MigrationTranslator;
	// MigrationStmts/MigrationTable hold the translated, wire-ready result
	// the translator produces (§4.5 step 3).
	MigrationVersion string
	RawSQL           string
	MigrationStmts   []MigrationStmt
	MigrationTable   *TableDef
}

// Transaction is an ordered sequence of Changes with commit metadata (§3).
// It is either entirely a migration or entirely DML.
type Transaction struct {
	Changes         []Change
	CommitTimestamp uint64 // microseconds since Unix epoch
	TransID         string
	Lsn             LSN
	Origin          string
	IsMigration     bool
}

// SubscriptionStatus is the lifecycle state of a Subscription (§3).
type SubscriptionStatus int

const (
	SubscriptionRequested SubscriptionStatus = iota + 1
	SubscriptionActive
	SubscriptionCancelled
)

// ShapeSelect names one table-shaped selection within a Shape (§3).
type ShapeSelect struct {
	TableName string
}

// Shape defines which rows belong to one unit of a subscription. Only
// whole-table selections are supported (§3).
type Shape struct {
	RequestID string
	Selects   []ShapeSelect
}

// Subscription is a named, resumable, server-to-client data selection
// (§3).
type Subscription struct {
	ID                string
	Shapes            []Shape
	Status            SubscriptionStatus
	EstablishedAtLSN  LSN
}

// ReplicationCursor is a per-connection resumable LSN position (§3, C8).
type ReplicationCursor struct {
	CurrentLSN    LSN
	SchemaVersion string
}
