// Package auditlog implements the append-only content-addressed commit
// log. It is the single source of write truth: the metadata index can be
// rebuilt from the log at any time.
//
// Layout under the log directory:
//
//	semantic/<id>.rec      working tree, one body file per live record
//	semantic/.objects/<h>  immutable body objects, content-addressed
//	semantic/commits.jsonl commit chain, one JSON line per mutation
//	semantic/.lock         cross-process advisory lock
package auditlog

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sl4m3/ledgermind/internal/types"
)

const (
	// DirName is the log directory under the storage path.
	DirName     = "semantic"
	commitsFile = "commits.jsonl"
	objectsDir  = ".objects"

	// OpPut records a body write; OpPurge records a hard delete.
	OpPut   = "put"
	OpPurge = "purge"
)

// Commit is one line of the commit chain.
type Commit struct {
	Ref       string    `json:"ref"`
	Parent    string    `json:"parent"`
	Op        string    `json:"op"`
	RecordID  string    `json:"record_id"`
	Kind      string    `json:"kind"`
	Authority string    `json:"authority"`
	BodyHash  string    `json:"body_hash,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Log is the append-only commit store rooted at a directory.
type Log struct {
	dir  string
	head string
	lk   *logLock
}

// Staged is a prepared-but-unpublished commit. The body object and the
// working-tree file are not touched until Publish; Discard is free.
type Staged struct {
	Ref    string
	commit Commit
	body   []byte
}

// Open initializes the log directory and reads the chain head.
func Open(dir string) (*Log, error) {
	l := &Log{dir: dir, lk: newLogLock(filepath.Join(dir, ".lock"))}
	if err := os.MkdirAll(filepath.Join(dir, objectsDir), 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	head, err := l.readHead()
	if err != nil {
		return nil, err
	}
	l.head = head
	return l, nil
}

// Dir returns the log directory.
func (l *Log) Dir() string { return l.dir }

// Head returns the current chain head ref ("" for an empty log).
func (l *Log) Head() string { return l.head }

// Lock acquires the cross-process advisory lock, retrying with
// exponential backoff before surfacing types.ErrLockContention.
func (l *Log) Lock() error { return l.lk.acquire() }

// Unlock releases the advisory lock.
func (l *Log) Unlock() error { return l.lk.release() }

// readHead scans commits.jsonl for the last ref.
func (l *Log) readHead() (string, error) {
	f, err := os.Open(l.commitsPath())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open commit chain: %w", err)
	}
	defer func() { _ = f.Close() }()

	head := ""
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var c Commit
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			return "", fmt.Errorf("corrupt commit chain line: %w", err)
		}
		head = c.Ref
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("failed to scan commit chain: %w", err)
	}
	return head, nil
}

// Stage prepares a body write. The ref is derived from the current head
// and the body, so it is stable until the next Publish moves the head.
func (l *Log) Stage(rec *types.Record, message string) (*Staged, error) {
	body := EncodeBody(rec)
	bodyHash := hashBytes(body)
	ref := hashBytes([]byte(l.head + "\n" + string(body)))

	return &Staged{
		Ref: ref,
		commit: Commit{
			Ref:       ref,
			Parent:    l.head,
			Op:        OpPut,
			RecordID:  rec.ID,
			Kind:      string(rec.Kind),
			Authority: string(rec.Authority),
			BodyHash:  bodyHash,
			Message:   formatCommitMessage(rec, message),
		},
		body: body,
	}, nil
}

// StagePurge prepares a hard-delete commit for a record.
func (l *Log) StagePurge(rec *types.Record, message string) *Staged {
	ref := hashBytes([]byte(l.head + "\npurge " + rec.ID))
	return &Staged{
		Ref: ref,
		commit: Commit{
			Ref:       ref,
			Parent:    l.head,
			Op:        OpPurge,
			RecordID:  rec.ID,
			Kind:      string(rec.Kind),
			Authority: string(rec.Authority),
			Message:   formatCommitMessage(rec, message),
		},
	}
}

// Publish writes the staged body object and working-tree file, then
// appends the commit line. The parent and ref are finalized here: a
// write may stage several commits against the same head, and each
// publish advances it. Appending the commit line is the point of no
// return; everything before it is revertible.
func (l *Log) Publish(st *Staged) error {
	st.commit.Parent = l.head
	switch st.commit.Op {
	case OpPut:
		st.commit.Ref = hashBytes([]byte(l.head + "\n" + string(st.body)))
	case OpPurge:
		st.commit.Ref = hashBytes([]byte(l.head + "\npurge " + st.commit.RecordID))
	}
	st.Ref = st.commit.Ref

	switch st.commit.Op {
	case OpPut:
		objPath := l.objectPath(st.commit.BodyHash)
		if err := writeFileAtomic(objPath, st.body); err != nil {
			return fmt.Errorf("failed to write body object: %w", err)
		}
		if err := writeFileAtomic(l.TreePath(st.commit.RecordID), st.body); err != nil {
			return fmt.Errorf("failed to write working tree file: %w", err)
		}
	case OpPurge:
		if err := l.removeRecordFiles(st.commit.RecordID); err != nil {
			return err
		}
	}

	st.commit.CreatedAt = time.Now().UTC()
	line, err := json.Marshal(&st.commit)
	if err != nil {
		return fmt.Errorf("failed to encode commit: %w", err)
	}

	f, err := os.OpenFile(l.commitsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644) // nolint:gosec // shared project state
	if err != nil {
		return fmt.Errorf("failed to open commit chain: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append commit: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync commit chain: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close commit chain: %w", err)
	}

	l.head = st.Ref
	return nil
}

// Revert restores the working tree for a record to the state before an
// unpublished staged commit. Publish never leaves partial state (the
// commit line is the last write), so Revert only needs to undo tree and
// object writes from a Publish that failed mid-way.
func (l *Log) Revert(st *Staged, prevBody []byte) error {
	if st.commit.Op != OpPut {
		return nil
	}
	_ = os.Remove(l.objectPath(st.commit.BodyHash))
	if prevBody == nil {
		_ = os.Remove(l.TreePath(st.commit.RecordID))
		return nil
	}
	return writeFileAtomic(l.TreePath(st.commit.RecordID), prevBody)
}

// HasBodyCommit reports whether the chain contains a commit for the
// record carrying exactly this body hash. Recovery uses it to decide
// whether a half-applied write reached the point of no return.
func (l *Log) HasBodyCommit(recordID, bodyHash string) (bool, error) {
	found := false
	err := l.scanCommits(func(c Commit) error {
		if c.RecordID == recordID && c.BodyHash == bodyHash {
			found = true
		}
		return nil
	})
	return found, err
}

// RestoreTree rewrites a record's working-tree file from its last
// committed body object, or removes the file when the chain never
// committed (or last purged) the record.
func (l *Log) RestoreTree(recordID string) error {
	var lastHash string
	purged := false
	err := l.scanCommits(func(c Commit) error {
		if c.RecordID != recordID {
			return nil
		}
		switch c.Op {
		case OpPut:
			lastHash = c.BodyHash
			purged = false
		case OpPurge:
			purged = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if lastHash == "" || purged {
		if err := os.Remove(l.TreePath(recordID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove uncommitted tree file: %w", err)
		}
		return nil
	}
	body, err := os.ReadFile(l.objectPath(lastHash))
	if err != nil {
		return fmt.Errorf("failed to read body object %s: %w", lastHash, err)
	}
	return writeFileAtomic(l.TreePath(recordID), body)
}

// HashBody returns the content hash used for body objects.
func HashBody(b []byte) string { return hashBytes(b) }

// ReadBody returns the current working-tree body for a record.
func (l *Log) ReadBody(recordID string) ([]byte, error) {
	data, err := os.ReadFile(l.TreePath(recordID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("record body %s: %w", recordID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record body: %w", err)
	}
	return data, nil
}

// Replay streams (ref, body) pairs from the chain, starting after
// fromRef ("" replays from genesis). Purge commits yield a nil body.
// Bodies whose objects were purged are skipped.
func (l *Log) Replay(fromRef string, fn func(c Commit, body []byte) error) error {
	started := fromRef == ""
	return l.scanCommits(func(c Commit) error {
		if !started {
			if c.Ref == fromRef {
				started = true
			}
			return nil
		}
		if c.Op == OpPurge {
			return fn(c, nil)
		}
		body, err := os.ReadFile(l.objectPath(c.BodyHash))
		if os.IsNotExist(err) {
			return nil // object purged after this commit
		}
		if err != nil {
			return fmt.Errorf("failed to read body object %s: %w", c.BodyHash, err)
		}
		return fn(c, body)
	})
}

// TreeFiles lists the working-tree body files (fid -> absolute path).
func (l *Log) TreeFiles() (map[string]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list working tree: %w", err)
	}
	files := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".rec") {
			continue
		}
		files[e.Name()] = filepath.Join(l.dir, e.Name())
	}
	return files, nil
}

// TreePath returns the working-tree path for a record id.
func (l *Log) TreePath(recordID string) string {
	return filepath.Join(l.dir, recordID+".rec")
}

// FileID returns the fid (working-tree file name) for a record id.
func FileID(recordID string) string { return recordID + ".rec" }

func (l *Log) commitsPath() string { return filepath.Join(l.dir, commitsFile) }

func (l *Log) objectPath(hash string) string {
	return filepath.Join(l.dir, objectsDir, hash)
}

// removeRecordFiles hard-deletes a record's working-tree file and every
// body object the chain attributes to it.
func (l *Log) removeRecordFiles(recordID string) error {
	_ = os.Remove(l.TreePath(recordID))
	return l.scanCommits(func(c Commit) error {
		if c.RecordID == recordID && c.BodyHash != "" {
			_ = os.Remove(l.objectPath(c.BodyHash))
		}
		return nil
	})
}

// scanCommits streams the chain in order.
func (l *Log) scanCommits(fn func(Commit) error) error {
	f, err := os.Open(l.commitsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open commit chain: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var c Commit
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			return fmt.Errorf("corrupt commit chain line: %w", err)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return sc.Err()
}

// formatCommitMessage renders the one-line commit message:
// <kind>:<status>:<target>:<id>  message="…"  authority=<h|a|admin>
func formatCommitMessage(rec *types.Record, message string) string {
	auth := "a"
	switch rec.Authority {
	case types.AuthorityHuman:
		auth = "h"
	case types.AuthorityAdmin:
		auth = "admin"
	}
	return fmt.Sprintf("%s:%s:%s:%s  message=%q  authority=%s",
		rec.Kind, rec.Status, rec.Target, rec.ID, message, auth)
}

func hashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// writeFileAtomic writes via temp file + rename so readers never observe
// a torn body.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil { // nolint:gosec // shared project state
		return err
	}
	return os.Rename(tmp, path)
}
