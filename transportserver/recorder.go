package transportserver

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxRecordingDuration bounds a single capture file before it is
// auto-stopped, matching the teacher's bound on how long one voice
// recording may run unattended.
const maxRecordingDuration = 2 * time.Hour

// RecordingInfo describes a completed or in-progress raw-traffic capture.
type RecordingInfo struct {
	SessionID string `json:"session_id"`
	StartedAt int64  `json:"started_at"`
	StoppedAt int64  `json:"stopped_at"` // 0 while still recording
	Fragments uint64 `json:"fragments"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
}

// SessionRecorder captures every raw datagram a session exchanges to a
// flat capture file, for offline replay or debugging of the flow-control
// wire format. Adapted from the teacher's ChannelRecorder (which captured
// Opus audio datagrams into an OGG container): the start/stop/max-duration
// lifecycle and the mutex-guarded FeedDatagram/Stop/Info API transfer
// directly, with the OGG/Opus encoding replaced by a plain
// [4-byte big-endian length][payload] framing of the raw datagram, since
// this core has no audio codec to container-wrap.
type SessionRecorder struct {
	mu        sync.Mutex
	sessionID string
	startedAt time.Time
	file      *os.File
	stopped   bool
	maxTimer  *time.Timer
	fragments uint64
}

// StartRecording begins capturing sessionID's raw traffic under dir,
// calling stopFn (if non-nil) when maxRecordingDuration elapses.
func StartRecording(sessionID, dir string, stopFn func()) (*SessionRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transportserver: create recording dir: %w", err)
	}

	now := time.Now()
	filename := fmt.Sprintf("%s_%s.cap", sessionID, now.Format("20060102_150405"))
	path := filepath.Join(dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("transportserver: create recording file: %w", err)
	}

	r := &SessionRecorder{
		sessionID: sessionID,
		startedAt: now,
		file:      f,
	}
	r.maxTimer = time.AfterFunc(maxRecordingDuration, func() {
		slog.Default().Info("transportserver: recording hit max duration, stopping", "session", sessionID)
		r.Stop()
		if stopFn != nil {
			stopFn()
		}
	})

	return r, nil
}

// FeedDatagram appends one raw datagram to the capture file as a
// length-prefixed record.
func (r *SessionRecorder) FeedDatagram(datagram []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(datagram)))
	if _, err := r.file.Write(lenBuf[:]); err != nil {
		slog.Default().Warn("transportserver: recording write failed", "session", r.sessionID, "err", err)
		return
	}
	if _, err := r.file.Write(datagram); err != nil {
		slog.Default().Warn("transportserver: recording write failed", "session", r.sessionID, "err", err)
		return
	}
	r.fragments++
}

// Stop ends the recording and closes the file. Safe to call more than once.
func (r *SessionRecorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	if r.maxTimer != nil {
		r.maxTimer.Stop()
	}
	if r.file != nil {
		r.file.Close()
	}
}

// Info returns the capture's current metadata.
func (r *SessionRecorder) Info() RecordingInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := RecordingInfo{
		SessionID: r.sessionID,
		StartedAt: r.startedAt.UnixMilli(),
		Fragments: r.fragments,
	}
	if r.file == nil {
		return info
	}
	info.FileName = filepath.Base(r.file.Name())
	if r.stopped {
		info.StoppedAt = time.Now().UnixMilli()
	}
	if fi, err := os.Stat(r.file.Name()); err == nil {
		info.FileSize = fi.Size()
	}
	return info
}
