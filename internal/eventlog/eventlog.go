// Package eventlog writes the workflow event log: one flat JSON record per
// line, rotated daily with bounded retention. Records form a hash chain
// for tamper detection; each carries the hash of its predecessor.
package eventlog

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/QwavePune/aws-infra-agent-bot/internal/logging"
)

// Event types written by the agent.
const (
	EventQueryReceived        = "query_received"
	EventCapabilitiesAnswered = "capabilities_response_generated"
	EventLLMInvocation        = "llm_invocation_started"
	EventToolCallsRequested   = "tool_calls_requested"
	EventPermissionCheck      = "permission_check"
	EventToolStarted          = "tool_execution_started"
	EventToolCompleted        = "tool_execution_completed"
	EventToolFailed           = "tool_execution_failed"
	EventToolBlocked          = "tool_execution_blocked"
	EventToolQueued           = "tool_execution_queued"
	EventApplyRepaired        = "apply_project_repaired"
	EventRunFinished          = "run_finished"
	EventRunFailed            = "run_failed"
)

// Reserved record keys set by the log itself.
const (
	KeyTimestamp  = "timestamp"
	KeyEventType  = "event_type"
	KeyPrevHash   = "prev_hash"
	KeyRecordHash = "record_hash"
)

// DefaultChannel names the log file written by the agent.
const DefaultChannel = "agent"

// Record is one decoded log line.
type Record map[string]any

// EventType returns the record's event_type.
func (r Record) EventType() string { return r.String(KeyEventType) }

// RunID returns the record's run_id.
func (r Record) RunID() string { return r.String("run_id") }

// ToolCallID returns the record's tool_call_id.
func (r Record) ToolCallID() string { return r.String("tool_call_id") }

// ToolName returns the record's tool_name.
func (r Record) ToolName() string { return r.String("tool_name") }

// String returns a string field or "".
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Map returns a nested object field or nil.
func (r Record) Map(key string) map[string]any {
	m, _ := r[key].(map[string]any)
	return m
}

// Bool returns a boolean field and whether it was present.
func (r Record) Bool(key string) (bool, bool) {
	b, ok := r[key].(bool)
	return b, ok
}

// Time parses the record's timestamp. Unparseable values yield the zero time.
func (r Record) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, r.String(KeyTimestamp))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Log appends records to <dir>/workflow_execution_log_<channel>.jsonl.
// Rotated files carry a .YYYY-MM-DD suffix for the day they cover.
type Log struct {
	mu        sync.Mutex
	dir       string
	channel   string
	retention int
	file      *os.File
	day       string
	lastHash  string
	logger    zerolog.Logger
	now       func() time.Time
}

// Open opens or creates the log in dir. retentionDays <= 0 keeps every
// rotated file.
func Open(dir, channel string, retentionDays int, logger zerolog.Logger) (*Log, error) {
	return openAt(dir, channel, retentionDays, logger, time.Now)
}

func openAt(dir, channel string, retentionDays int, logger zerolog.Logger, now func() time.Time) (*Log, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	l := &Log{dir: dir, channel: channel, retention: retentionDays, logger: logger, now: now}

	// Recover the chain head from the newest file holding records.
	files, err := l.Files()
	if err != nil {
		return nil, err
	}
	for i := len(files) - 1; i >= 0; i-- {
		last, err := lastRecord(files[i])
		if err != nil {
			return nil, err
		}
		if last != nil {
			l.lastHash = last.String(KeyRecordHash)
			break
		}
	}

	if info, err := os.Stat(l.path()); err == nil && info.Size() > 0 {
		if day := info.ModTime().UTC().Format(dayLayout); day != l.today() {
			if err := l.rotate(day); err != nil {
				return nil, err
			}
		}
	}
	if err := l.openCurrent(); err != nil {
		return nil, err
	}
	return l, nil
}

const dayLayout = "2006-01-02"

func (l *Log) path() string {
	return filepath.Join(l.dir, "workflow_execution_log_"+l.channel+".jsonl")
}

func (l *Log) today() string { return l.now().UTC().Format(dayLayout) }

func (l *Log) openCurrent() error {
	f, err := os.OpenFile(l.path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	l.file = f
	l.day = l.today()
	return nil
}

// rotate moves the current file aside under day and prunes expired files.
func (l *Log) rotate(day string) error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	target := l.path() + "." + day
	if _, err := os.Stat(target); err == nil {
		// Same day rotated twice: append rather than clobber.
		if err := appendFile(target, l.path()); err != nil {
			return err
		}
		if err := os.Remove(l.path()); err != nil {
			return fmt.Errorf("removing rotated event log: %w", err)
		}
	} else if err := os.Rename(l.path(), target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotating event log: %w", err)
	}
	l.prune()
	return nil
}

func (l *Log) prune() {
	if l.retention <= 0 {
		return
	}
	rotated, err := l.rotated()
	if err != nil {
		l.logger.Warn().Err(err).Msg("listing rotated event logs")
		return
	}
	cutoff := l.now().UTC().AddDate(0, 0, -l.retention).Format(dayLayout)
	for _, f := range rotated {
		day := f[strings.LastIndex(f, ".")+1:]
		if day >= cutoff {
			continue
		}
		if err := os.Remove(f); err != nil {
			l.logger.Warn().Err(err).Str("file", f).Msg("removing expired event log")
			continue
		}
		l.logger.Info().Str("file", filepath.Base(f)).Msg("expired event log removed")
	}
}

// Record appends one event. Secret-looking fields are redacted before the
// record is hashed and written.
func (l *Log) Record(eventType string, fields map[string]any) error {
	rec, err := normalize(fields)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", eventType, err)
	}
	rec = logging.RedactMap(rec)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("event log is closed")
	}
	if today := l.today(); today != l.day {
		if err := l.rotate(l.day); err != nil {
			return err
		}
		if err := l.openCurrent(); err != nil {
			return err
		}
	}

	rec[KeyTimestamp] = l.now().UTC().Format(time.RFC3339Nano)
	rec[KeyEventType] = eventType
	rec[KeyPrevHash] = l.lastHash
	delete(rec, KeyRecordHash)
	hash, err := chainHash(rec)
	if err != nil {
		return err
	}
	rec[KeyRecordHash] = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", eventType, err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing event log: %w", err)
	}
	l.lastHash = hash
	return nil
}

// Close closes the current file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Dir returns the log directory.
func (l *Log) Dir() string { return l.dir }

// Files returns rotated files oldest first, then the current file when it
// exists.
func (l *Log) Files() ([]string, error) {
	files, err := l.rotated()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(l.path()); err == nil {
		files = append(files, l.path())
	}
	return files, nil
}

func (l *Log) rotated() ([]string, error) {
	matches, err := filepath.Glob(l.path() + ".????-??-??")
	if err != nil {
		return nil, fmt.Errorf("listing event logs: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// ReadAll decodes every record in chronological file order. Lines that are
// not JSON objects are skipped.
func (l *Log) ReadAll() ([]Record, error) {
	l.mu.Lock()
	files, err := l.Files()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, f := range files {
		recs, err := readFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Records  int    `json:"records"`
	BrokenAt int    `json:"broken_at,omitempty"` // 1-based record index
	Reason   string `json:"reason,omitempty"`
}

// Verify recomputes the hash chain across every file. The first record's
// prev_hash is taken as the anchor since older files may have expired.
func (l *Log) Verify() (VerifyResult, error) {
	records, err := l.ReadAll()
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyRecords(records), nil
}

// VerifyRecords checks an ordered slice of records.
func VerifyRecords(records []Record) VerifyResult {
	prev := ""
	for i, rec := range records {
		if i > 0 && rec.String(KeyPrevHash) != prev {
			return VerifyResult{Records: i, BrokenAt: i + 1, Reason: "prev_hash does not match preceding record"}
		}
		stored := rec.String(KeyRecordHash)
		body := make(Record, len(rec))
		for k, v := range rec {
			if k != KeyRecordHash {
				body[k] = v
			}
		}
		expected, err := chainHash(body)
		if err != nil || expected != stored {
			return VerifyResult{Records: i, BrokenAt: i + 1, Reason: "record hash mismatch"}
		}
		prev = stored
	}
	return VerifyResult{Valid: true, Records: len(records)}
}

// chainHash is SHA-256(prev_hash + timestamp + event_type + actor + detail)
// where detail is the canonical JSON of the remaining fields.
func chainHash(rec map[string]any) (string, error) {
	detail := make(map[string]any, len(rec))
	for k, v := range rec {
		switch k {
		case KeyPrevHash, KeyTimestamp, KeyEventType, KeyRecordHash:
			continue
		}
		detail[k] = v
	}
	body, err := json.Marshal(detail)
	if err != nil {
		return "", fmt.Errorf("canonicalizing record: %w", err)
	}
	r := Record(rec)
	data := r.String(KeyPrevHash) + r.String(KeyTimestamp) + r.String(KeyEventType) + r.String("actor") + string(body)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:]), nil
}

// normalize round-trips fields through JSON so the written record hashes
// identically to its decoded form.
func normalize(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func decode(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func readFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := decode(line)
		if err != nil {
			continue
		}
		out = append(out, Record(rec))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

func lastRecord(path string) (Record, error) {
	recs, err := readFile(path)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[len(recs)-1], nil
}

func appendFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(src), err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(dst), err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("appending %s: %w", filepath.Base(src), err)
	}
	return nil
}
