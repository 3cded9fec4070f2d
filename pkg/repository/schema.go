package repository

// Schema for the live memory table and the append-only version history.
// The partial unique index on active distributed locks is what makes lease
// acquisition atomic across processes: the insert either lands or violates
// the constraint, with no application-level coordination.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS memories (
  id TEXT PRIMARY KEY,
  content JSONB NOT NULL,
  room_id TEXT NOT NULL,
  user_id TEXT,
  agent_id TEXT,
  is_unique BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  embedding VECTOR(1536)
);

CREATE INDEX IF NOT EXISTS idx_memories_room ON memories (room_id);
CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories ((content->>'type'));
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_memories_room_kind ON memories (room_id, (content->>'type'));
CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_active_lock ON memories ((content->>'key'))
  WHERE content->>'type' = 'distributed_lock' AND content->>'lockState' = 'active';

CREATE TABLE IF NOT EXISTS memories_versions (
  id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE DEFERRABLE INITIALLY DEFERRED,
  version INTEGER NOT NULL,
  content JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  version_reason TEXT,
  PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_memories_versions_desc ON memories_versions (id, version DESC);
`

// activeLockIndex is the constraint whose violation signals lease contention
const activeLockIndex = "idx_memories_active_lock"
