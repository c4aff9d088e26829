package store

// Schema contains the complete DDL for the widget store.
//
// Extraction history has no foreign key: results for deleted widgets are
// still accepted, and deleting history together with a widget is an explicit
// step of DeleteWidget, not a cascade.
const Schema = `
CREATE TABLE IF NOT EXISTS widgets (
    widget_id      TEXT PRIMARY KEY,
    incarnation_id TEXT NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    source_kind    TEXT NOT NULL CHECK (source_kind IN ('url', 'inline')),
    source_address TEXT NOT NULL DEFAULT '',
    source_html    TEXT NOT NULL DEFAULT '',
    level          TEXT NOT NULL DEFAULT 'normal',
    transparent    INTEGER NOT NULL DEFAULT 0,
    decorated      INTEGER NOT NULL DEFAULT 1,
    is_open        INTEGER NOT NULL DEFAULT 1,
    x              INTEGER NOT NULL DEFAULT 0,
    y              INTEGER NOT NULL DEFAULT 0,
    width          INTEGER NOT NULL DEFAULT 0,
    height         INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_widgets_open ON widgets(is_open);

CREATE TABLE IF NOT EXISTS modifiers (
    widget_id        TEXT NOT NULL,
    modifier_id      TEXT NOT NULL,
    kind             TEXT NOT NULL CHECK (kind IN ('refresh', 'scrape')),
    interval_seconds INTEGER NOT NULL DEFAULT 0 CHECK (interval_seconds >= 0),
    css_selector     TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    PRIMARY KEY (widget_id, modifier_id),
    FOREIGN KEY (widget_id) REFERENCES widgets(widget_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS extractions (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    widget_id      TEXT NOT NULL,
    incarnation_id TEXT NOT NULL DEFAULT '',
    value          TEXT,
    error          TEXT,
    timestamp      INTEGER NOT NULL,
    received_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_extractions_widget_time ON extractions(widget_id, timestamp DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_extractions_time ON extractions(timestamp DESC);
`
