package storage

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id                      TEXT PRIMARY KEY,
    name                    TEXT NOT NULL DEFAULT '',
    is_active               BOOLEAN NOT NULL DEFAULT TRUE,
    location_sharing        BOOLEAN NOT NULL DEFAULT TRUE,
    lat                     DOUBLE PRECISION,
    lon                     DOUBLE PRECISION,
    location_updated_at     TIMESTAMPTZ,
    emergency_notifications BOOLEAN NOT NULL DEFAULT TRUE,
    help_notifications      BOOLEAN NOT NULL DEFAULT TRUE,
    social_notifications    BOOLEAN NOT NULL DEFAULT TRUE,
    device_tokens           TEXT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS users_lat_lon_idx ON users (lat, lon);

CREATE TABLE IF NOT EXISTS requests (
    id            UUID PRIMARY KEY,
    requester_id  TEXT NOT NULL,
    type          TEXT NOT NULL,
    status        TEXT NOT NULL,
    priority      TEXT NOT NULL,
    title         TEXT NOT NULL DEFAULT '',
    description   TEXT NOT NULL DEFAULT '',
    origin_lat    DOUBLE PRECISION NOT NULL,
    origin_lon    DOUBLE PRECISION NOT NULL,
    radius_km     DOUBLE PRECISION NOT NULL,
    max_acceptors INTEGER NOT NULL,
    accepted_by   JSONB NOT NULL DEFAULT '[]',
    responses     JSONB NOT NULL DEFAULT '[]',
    expires_at    TIMESTAMPTZ NOT NULL,
    completed_at  TIMESTAMPTZ,
    rating        INTEGER,
    feedback      TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    version       BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS requests_status_expires_idx ON requests (status, expires_at);
CREATE INDEX IF NOT EXISTS requests_requester_idx ON requests (requester_id, created_at DESC);

CREATE TABLE IF NOT EXISTS conversations (
    id            UUID PRIMARY KEY,
    request_id    UUID NOT NULL,
    participant_a TEXT NOT NULL,
    participant_b TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    UNIQUE (request_id, participant_a, participant_b)
);
`
