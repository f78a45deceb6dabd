package store

// schemaDDL matches spec §6 exactly: the generated SQL the translate
// package emits addresses these tables and columns by name, so the
// shape here is load-bearing, not cosmetic.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	label JSON NOT NULL,
	properties JSON DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS edges (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	source_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	target_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	properties JSON DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(type);
CREATE INDEX IF NOT EXISTS idx_edges_source_id ON edges(source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target_id ON edges(target_id);
`
