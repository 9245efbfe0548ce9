// Package replay keeps track of the recorded runs of each agent. A replay is
// a manifest of captured frames uploaded by the worker once its run ends.
package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"panopticon/internal/domain"
	"panopticon/internal/events"
	"panopticon/internal/repo"
)

// ManifestFile is the name of the manifest inside {root}/{session}/{agent}/.
const ManifestFile = "manifest.json"

// DefaultPublicBaseURL is where the server exposes files under the replay root.
const DefaultPublicBaseURL = "/v1/replays/files"

type Frame struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
	Action    string `json:"action,omitempty"`
}

type Manifest struct {
	SessionID  string  `json:"sessionId"`
	AgentID    string  `json:"agentId"`
	FrameCount int     `json:"frameCount"`
	Frames     []Frame `json:"frames"`
}

// ReadManifest parses a manifest file. A missing frameCount is taken from
// the frame list.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.FrameCount == 0 {
		m.FrameCount = len(m.Frames)
	}
	return m, nil
}

type Registry struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	// Root is the local directory laid out as {root}/{session}/{agent}/manifest.json.
	Root          string
	PublicBaseURL string
	Logger        *slog.Logger
	Now           func() time.Time
}

func New(db *sql.DB, root, publicBaseURL string, logger *slog.Logger) Registry {
	if publicBaseURL == "" {
		publicBaseURL = DefaultPublicBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Registry{
		DB:            db,
		Repo:          repo.Repo{DB: db},
		Events:        events.Writer{DB: db},
		Root:          root,
		PublicBaseURL: publicBaseURL,
		Logger:        logger.With("component", "replay"),
		Now:           time.Now,
	}
}

func (r Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Registry) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Record stores the replay of one agent. Recording the same agent twice
// keeps the last manifest.
func (r Registry) Record(ctx context.Context, sessionID, agentID, manifestURL string, frameCount int) (domain.Replay, error) {
	if sessionID == "" || agentID == "" || manifestURL == "" {
		return domain.Replay{}, fmt.Errorf("session, agent and manifest url are required: %w", domain.ErrInvalidInput)
	}
	if frameCount < 0 {
		return domain.Replay{}, fmt.Errorf("frame count must not be negative: %w", domain.ErrInvalidInput)
	}
	rp := domain.Replay{
		SessionID:   sessionID,
		AgentID:     agentID,
		ManifestURL: manifestURL,
		FrameCount:  frameCount,
		CreatedAt:   r.now().UTC(),
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Replay{}, errors.Join(domain.ErrPersistence, err)
	}
	defer tx.Rollback()
	if err := r.Repo.UpsertReplay(ctx, tx, rp); err != nil {
		return domain.Replay{}, errors.Join(domain.ErrPersistence, err)
	}
	if err := r.Events.Append(ctx, tx, events.JournalReplayRecorded, sessionID, "agent", agentID, "", events.EventPayload{
		"manifest_url": manifestURL,
		"frame_count":  frameCount,
	}); err != nil {
		return domain.Replay{}, errors.Join(domain.ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Replay{}, errors.Join(domain.ErrPersistence, err)
	}
	r.logger().Info("replay recorded", "session_id", sessionID, "agent_id", agentID, "frames", frameCount)
	return rp, nil
}

// Lookup returns the session's replays from the database, falling back to
// manifests on disk when the database has none or cannot be read.
func (r Registry) Lookup(ctx context.Context, sessionID string) ([]domain.Replay, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required: %w", domain.ErrInvalidInput)
	}
	stored, err := r.Repo.ListReplays(ctx, sessionID)
	if err == nil && len(stored) > 0 {
		return stored, nil
	}
	if err != nil {
		r.logger().Warn("replay lookup failed, scanning disk", "session_id", sessionID, "err", err)
	}
	scanned, scanErr := r.Scan(sessionID)
	if scanErr != nil {
		if err != nil {
			return nil, errors.Join(domain.ErrPersistence, err, scanErr)
		}
		return nil, scanErr
	}
	if len(scanned) == 0 && err != nil {
		return nil, errors.Join(domain.ErrPersistence, err)
	}
	return scanned, nil
}

// Scan synthesizes replay records from {root}/{session}/*/manifest.json.
// Unreadable manifests are skipped.
func (r Registry) Scan(sessionID string) ([]domain.Replay, error) {
	out := []domain.Replay{}
	if r.Root == "" || !validSegment(sessionID) {
		return out, nil
	}
	dir := filepath.Join(r.Root, sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), ManifestFile)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		m, err := ReadManifest(path)
		if err != nil {
			r.logger().Warn("skipping manifest", "path", path, "err", err)
			continue
		}
		out = append(out, domain.Replay{
			SessionID:   sessionID,
			AgentID:     e.Name(),
			ManifestURL: r.ManifestURL(sessionID, e.Name()),
			FrameCount:  m.FrameCount,
			CreatedAt:   info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// ManifestURL is the public URL of a manifest stored under Root.
func (r Registry) ManifestURL(sessionID, agentID string) string {
	base := r.PublicBaseURL
	if base == "" {
		base = DefaultPublicBaseURL
	}
	u, err := url.JoinPath(base, sessionID, agentID, ManifestFile)
	if err != nil {
		return strings.TrimRight(base, "/") + "/" + sessionID + "/" + agentID + "/" + ManifestFile
	}
	return u
}

// validSegment rejects IDs that would escape the replay root.
func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
