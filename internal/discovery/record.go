// Package discovery publishes per-session records into a shared directory
// so external agents can find which port serves which worktree.
//
// Each live session owns exactly one file named "<port>-<sessionID>.lock".
// Files are written atomically (temp file, fsync, rename) so a scanning
// agent never observes a partial record. Records whose host process has
// died are removed by SweepStale.
package discovery

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/Iron-Ham/claudio-ide/internal/session"
)

// FileExt is the suffix of every discovery record.
const FileExt = ".lock"

// tempPattern names in-flight writes; SweepStale removes abandoned ones.
const tempPattern = ".tmp-*"

// recordName matches "<port>-<sessionID>.lock".
var recordName = regexp.MustCompile(`^(\d{1,5})-([A-Za-z0-9._-]+)\.lock$`)

// Record is the JSON document an agent reads to connect to a session.
type Record struct {
	PID              int      `json:"pid"`
	SessionID        string   `json:"instanceId"`
	WorkspaceFolders []string `json:"workspaceFolders"`
	WorktreePath     string   `json:"worktreePath"`
	IDEName          string   `json:"ideName"`
	Transport        string   `json:"transport"`
	Port             int      `json:"port"`
	AuthToken        string   `json:"authToken,omitempty"`
	// CreatedAt is a Unix timestamp in seconds.
	CreatedAt int64 `json:"createdAt"`
	// ParentPort links a nested session to the one that spawned it.
	ParentPort int `json:"parentPort,omitempty"`

	// Path is where the record was read from or written to.
	Path string `json:"-"`
}

// FileName returns the record file name for a session.
func FileName(port int, sessionID string) string {
	return fmt.Sprintf("%d-%s%s", port, sessionID, FileExt)
}

// ParseFileName extracts the port and session id from a record file name.
func ParseFileName(name string) (port int, sessionID string, ok bool) {
	m := recordName.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, "", false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port < 1 || port > 65535 {
		return 0, "", false
	}
	return port, m[2], true
}

// NewRecord builds the record for sess as published by the process pid.
func NewRecord(sess *session.Session, pid int, ideName, transport string) Record {
	created := sess.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return Record{
		PID:              pid,
		SessionID:        sess.ID,
		WorkspaceFolders: []string{sess.Workdir},
		WorktreePath:     sess.Workdir,
		IDEName:          ideName,
		Transport:        transport,
		Port:             sess.Port,
		AuthToken:        sess.AuthToken,
		CreatedAt:        created.Unix(),
		ParentPort:       sess.ParentPort,
	}
}

// CreatedTime returns CreatedAt as a time.Time.
func (r Record) CreatedTime() time.Time {
	return time.Unix(r.CreatedAt, 0)
}

// Encode returns the record's on-disk form.
func (r Record) Encode() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Decode parses a record file.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("failed to parse discovery record: %w", err)
	}
	if r.SessionID == "" || r.Port == 0 {
		return Record{}, fmt.Errorf("discovery record missing instanceId or port")
	}
	return r, nil
}
