package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/event"
	"github.com/Iron-Ham/claudio-ide/internal/logging"
	"github.com/Iron-Ham/claudio-ide/internal/session"
)

// Defaults advertised in every record.
const (
	DefaultTransport = "ws"
	DefaultIDEName   = "claudio-ide"
)

// staleTempAge is how old an abandoned temp file must be before the
// sweeper deletes it; younger ones may belong to an in-progress write.
const staleTempAge = time.Minute

// Publisher writes, removes and sweeps discovery records in one directory.
type Publisher struct {
	fs        afero.Fs
	dir       string
	transport string
	ideName   string
	pid       int
	alive     func(pid int) bool
	now       func() time.Time
	bus       *event.Bus
	logger    *logging.Logger

	mu sync.Mutex
	// published holds the record most recently written for each session.
	published map[string]Record
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithFs replaces the filesystem. Tests pass afero.NewMemMapFs().
func WithFs(fs afero.Fs) Option {
	return func(p *Publisher) {
		p.fs = fs
	}
}

// WithTransport sets the transport advertised in records.
func WithTransport(transport string) Option {
	return func(p *Publisher) {
		p.transport = transport
	}
}

// WithIDEName sets the IDE name advertised in records.
func WithIDEName(name string) Option {
	return func(p *Publisher) {
		p.ideName = name
	}
}

// WithPID overrides the owning process id recorded in records.
func WithPID(pid int) Option {
	return func(p *Publisher) {
		p.pid = pid
	}
}

// WithLiveness replaces the process liveness check used by SweepStale.
func WithLiveness(alive func(pid int) bool) Option {
	return func(p *Publisher) {
		p.alive = alive
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// WithBus publishes sweeper and republish events to bus.
func WithBus(bus *event.Bus) Option {
	return func(p *Publisher) {
		p.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a Publisher for dir.
func NewPublisher(dir string, opts ...Option) *Publisher {
	p := &Publisher{
		fs:        afero.NewOsFs(),
		dir:       dir,
		transport: DefaultTransport,
		ideName:   DefaultIDEName,
		pid:       os.Getpid(),
		alive:     isProcessAlive,
		now:       time.Now,
		published: make(map[string]Record),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrNop(p.logger).WithComponent("discovery")
	return p
}

// Dir returns the discovery directory.
func (p *Publisher) Dir() string {
	return p.dir
}

// Alive reports whether the process pid still runs, using the publisher's
// liveness check.
func (p *Publisher) Alive(pid int) bool {
	return p.alive(pid)
}

// Path returns where the record for a session on port lives.
func (p *Publisher) Path(port int, sessionID string) string {
	return filepath.Join(p.dir, FileName(port, sessionID))
}

// Publish writes the record for sess, replacing any earlier record for the
// same session (including one for a different port).
func (p *Publisher) Publish(sess *session.Session) (Record, error) {
	if sess == nil || sess.ID == "" || sess.Port == 0 {
		return Record{}, errors.NewValidationError("session must have an id and a port").WithField("session")
	}

	rec := NewRecord(sess, p.pid, p.ideName, p.transport)
	rec.Path = p.Path(sess.Port, sess.ID)
	if err := p.write(rec); err != nil {
		return Record{}, err
	}

	p.mu.Lock()
	prev, had := p.published[sess.ID]
	p.published[sess.ID] = rec
	p.mu.Unlock()

	if had && prev.Path != rec.Path {
		if err := p.fs.Remove(prev.Path); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("failed to remove superseded record", "path", prev.Path, "error", err.Error())
		}
	}

	p.logger.Info("discovery record published", "session_id", sess.ID, "port", sess.Port, "path", rec.Path)
	return rec, nil
}

// Republish rewrites the last record published for sessionID. It returns
// false if the session has no published record.
func (p *Publisher) Republish(sessionID string) (bool, error) {
	p.mu.Lock()
	rec, ok := p.published[sessionID]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}

	if err := p.write(rec); err != nil {
		return true, err
	}
	p.logger.Info("discovery record republished", "session_id", sessionID, "path", rec.Path)
	p.publish(event.NewDiscoveryRepublishedEvent(sessionID, rec.Path))
	return true, nil
}

// Retract removes every record for sessionID. Retracting a session that has
// no record is not an error.
func (p *Publisher) Retract(sessionID string) error {
	p.mu.Lock()
	rec, had := p.published[sessionID]
	delete(p.published, sessionID)
	p.mu.Unlock()

	paths := []string{}
	if had {
		paths = append(paths, rec.Path)
	}
	// Also catch records written by an earlier host for the same id.
	matches, err := afero.Glob(p.fs, filepath.Join(p.dir, "*-"+sessionID+FileExt))
	if err == nil {
		for _, m := range matches {
			if !slices.Contains(paths, m) {
				paths = append(paths, m)
			}
		}
	}

	var errs []error
	for _, path := range paths {
		if err := p.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
		}
	}
	if len(errs) > 0 {
		return errors.NewSessionError("retract discovery record", errors.Join(errs...)).WithSessionID(sessionID)
	}

	p.logger.Info("discovery record retracted", "session_id", sessionID)
	return nil
}

// IsPublished reports whether this publisher currently owns a record for sessionID.
func (p *Publisher) IsPublished(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.published[sessionID]
	return ok
}

// Published returns the records this publisher currently owns.
func (p *Publisher) Published() []Record {
	p.mu.Lock()
	out := make([]Record, 0, len(p.published))
	for _, r := range p.published {
		out = append(out, r)
	}
	p.mu.Unlock()

	sortRecords(out)
	return out
}

// List reads every well-formed record in the directory, whoever wrote it.
// Unreadable files are skipped.
func (p *Publisher) List() ([]Record, error) {
	entries, err := afero.ReadDir(p.fs, p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read discovery directory: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, _, ok := ParseFileName(entry.Name()); !ok {
			continue
		}
		rec, err := p.read(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			p.logger.Debug("skipping unreadable record", "file", entry.Name(), "error", err.Error())
			continue
		}
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

// Lookup returns the on-disk record for sessionID.
func (p *Publisher) Lookup(sessionID string) (Record, error) {
	matches, err := afero.Glob(p.fs, filepath.Join(p.dir, "*-"+sessionID+FileExt))
	if err != nil {
		return Record{}, err
	}
	for _, m := range matches {
		if rec, err := p.read(m); err == nil {
			return rec, nil
		}
	}
	return Record{}, errors.NewNotFoundError("discovery record", sessionID)
}

// SweepStale removes records whose owning process is gone, records that
// claim this process but belong to no session it published, malformed
// records, and abandoned temp files. It returns the removed records.
func (p *Publisher) SweepStale() ([]Record, error) {
	entries, err := afero.ReadDir(p.fs, p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read discovery directory: %w", err)
	}

	var removed []Record
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(p.dir, entry.Name())

		if matched, _ := filepath.Match(tempPattern, entry.Name()); matched {
			if p.now().Sub(entry.ModTime()) > staleTempAge {
				if err := p.fs.Remove(path); err == nil {
					p.logger.Debug("removed abandoned temp file", "path", path)
				}
			}
			continue
		}

		port, sessionID, ok := ParseFileName(entry.Name())
		if !ok {
			continue
		}

		rec, readErr := p.read(path)
		stale, reason := p.staleness(rec, readErr)
		if !stale {
			continue
		}
		if rec.SessionID == "" {
			rec = Record{SessionID: sessionID, Port: port}
		}
		rec.Path = path

		if err := p.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		removed = append(removed, rec)
		p.logger.Warn("stale discovery record removed",
			"path", path,
			"session_id", rec.SessionID,
			"port", rec.Port,
			"pid", rec.PID,
			"reason", reason,
			"kind", errors.ErrStaleDiscovery.Error())
		p.publish(event.NewStaleDiscoveryRemovedEvent(path, rec.SessionID, rec.Port, rec.PID))
	}

	if len(errs) > 0 {
		return removed, errors.Join(errs...)
	}
	return removed, nil
}

func (p *Publisher) staleness(rec Record, readErr error) (bool, string) {
	switch {
	case readErr != nil:
		return true, "malformed"
	case rec.PID == p.pid:
		if p.IsPublished(rec.SessionID) {
			return false, ""
		}
		return true, "not owned by this host"
	case !p.alive(rec.PID):
		return true, "process gone"
	default:
		return false, ""
	}
}

func (p *Publisher) read(path string) (Record, error) {
	data, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return Record{}, err
	}
	rec, err := Decode(data)
	if err != nil {
		return Record{}, err
	}
	rec.Path = path
	return rec, nil
}

// write stores rec atomically: temp file in the same directory, fsync,
// chmod, rename over the final name.
func (p *Publisher) write(rec Record) error {
	if err := p.fs.MkdirAll(p.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create discovery directory: %w", err)
	}
	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode discovery record: %w", err)
	}

	tmp, err := afero.TempFile(p.fs, p.dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = p.fs.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	// The record carries the auth token, so keep it private to the user.
	if err := p.fs.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := p.fs.Rename(tmpPath, rec.Path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func (p *Publisher) publish(e event.Event) {
	if p.bus != nil {
		p.bus.Publish(e)
	}
}

func sortRecords(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		if a.Port != b.Port {
			return a.Port - b.Port
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
}
