package queue

const schema = `
CREATE TABLE IF NOT EXISTS queue_messages (
    job_id TEXT PRIMARY KEY,
    partition TEXT NOT NULL,
    body TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'ready',
    attempts INTEGER NOT NULL DEFAULT 0,
    locked_by TEXT,
    locked_until INTEGER,
    enqueued_at INTEGER NOT NULL,
    dead_lettered_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_queue_partition ON queue_messages(partition, status, locked_until);
CREATE INDEX IF NOT EXISTS idx_queue_enqueued ON queue_messages(enqueued_at);
`
