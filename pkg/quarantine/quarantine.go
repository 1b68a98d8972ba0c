// Package quarantine relocates files whose rule cannot be dispatched into
// a quarantine tree, leaving a JSON sidecar describing why.
package quarantine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/fs"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/security"
	"github.com/butter-bot-machines/scribe/pkg/telemetry"
	"github.com/butter-bot-machines/scribe/pkg/timing"
	"github.com/butter-bot-machines/scribe/pkg/timing/real"
)

const (
	// InfoSuffix is appended to a quarantined file's name for its sidecar
	InfoSuffix = ".quarantine_info"

	// TimestampLayout formats the suffix added to quarantined file stems
	TimestampLayout = "20060102_150405"

	// ExternalDir holds files that lived outside every known root
	ExternalDir = "_external"
)

// Reasons recorded in sidecars
const (
	ReasonCircuitOpen = "circuit_breaker_open"
	ReasonPaused      = "dispatch_paused"
)

// Status is the outcome of a quarantine request
type Status string

const (
	Quarantined Status = "quarantined"
	Missing     Status = "missing"
	Failed      Status = "failed"
)

// Record is the sidecar content
type Record struct {
	OriginalPath   string    `json:"original_path"`
	QuarantinePath string    `json:"quarantine_path"`
	RuleID         string    `json:"rule_id"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
}

// Result describes one quarantine operation
type Result struct {
	Status   Status
	Record   Record
	InfoPath string
}

// Options configures a Quarantine
type Options struct {
	// Root is the quarantine tree
	Root string
	// RepoRoot and WatchRoots determine the relative layout under Root
	RepoRoot   string
	WatchRoots []string
	Writer     fs.Writer
	Clock      timing.Clock
	Logger     logging.Logger
}

// Quarantine moves files into the quarantine tree
type Quarantine struct {
	root       string
	repoRoot   string
	watchRoots []string
	writer     fs.Writer
	clock      timing.Clock
	logger     logging.Logger

	// serializes name allocation so concurrent requests never share a target
	mu sync.Mutex
}

// New creates a Quarantine
func New(opts Options) *Quarantine {
	if opts.Writer == nil {
		opts.Writer = fs.NewAtomicWriter()
	}
	if opts.Clock == nil {
		opts.Clock = real.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Quarantine{
		root:       opts.Root,
		repoRoot:   opts.RepoRoot,
		watchRoots: opts.WatchRoots,
		writer:     opts.Writer,
		clock:      opts.Clock,
		logger:     opts.Logger.WithGroup("quarantine"),
	}
}

// Root returns the quarantine tree
func (q *Quarantine) Root() string {
	return q.root
}

// Quarantine copies path into the quarantine tree, writes the sidecar and
// removes the original. A source that no longer exists yields a Missing
// result with a nil error; it is not retried.
func (q *Quarantine) Quarantine(ctx context.Context, path, ruleID, reason string) (*Result, error) {
	now := q.clock.Now()
	res := &Result{
		Record: Record{
			OriginalPath: path,
			RuleID:       ruleID,
			Reason:       reason,
			Timestamp:    now.UTC(),
		},
	}

	if err := ctx.Err(); err != nil {
		res.Status = Failed
		return res, errors.Wrap(errors.QuarantineFailed, err, "quarantine %s", path)
	}

	src, err := os.Open(path)
	if os.IsNotExist(err) {
		res.Status = Missing
		telemetry.RecordQuarantine(ruleID, string(Missing))
		q.logger.Warn("Quarantine source missing", "path", path, "rule_id", ruleID)
		return res, nil
	}
	if err != nil {
		return q.fail(res, err, "open source")
	}
	defer src.Close()

	dest, err := q.copy(src, path, now)
	if err != nil {
		return q.fail(res, err, "copy")
	}
	res.Record.QuarantinePath = dest
	res.InfoPath = dest + InfoSuffix

	if err := q.writer.WriteJSON(res.InfoPath, res.Record); err != nil {
		_ = os.Remove(dest)
		return q.fail(res, err, "write sidecar")
	}

	src.Close()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return q.fail(res, err, "remove original")
	}

	res.Status = Quarantined
	telemetry.RecordQuarantine(ruleID, string(Quarantined))
	q.logger.Warn("File quarantined",
		"path", path,
		"quarantine_path", dest,
		"rule_id", ruleID,
		"reason", reason)
	return res, nil
}

func (q *Quarantine) fail(res *Result, err error, step string) (*Result, error) {
	res.Status = Failed
	telemetry.RecordQuarantine(res.Record.RuleID, string(Failed))
	q.logger.Error("Quarantine failed",
		"path", res.Record.OriginalPath,
		"rule_id", res.Record.RuleID,
		"step", step,
		"error", err)
	return res, errors.Wrap(errors.QuarantineFailed, err, "quarantine %s: %s", res.Record.OriginalPath, step)
}

// copy writes src to a fresh file under the quarantine tree and fsyncs it
func (q *Quarantine) copy(src io.Reader, path string, now time.Time) (string, error) {
	dir := filepath.Join(q.root, q.relativeParent(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	ts := now.Format(TimestampLayout)

	q.mu.Lock()
	out, dest, err := create(dir, stem+"_"+ts, ext)
	q.mu.Unlock()
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return "", err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dest)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

// create exclusively opens name+ext, adding _1, _2... on collision
func create(dir, name, ext string) (*os.File, string, error) {
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d", name, i)
		}
		dest := filepath.Join(dir, candidate+ext)
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, dest, nil
		}
		if !os.IsExist(err) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free quarantine name for %s%s", name, ext)
}

// relativeParent returns the parent directory of path relative to the repo
// root, then any watch root. Anything else lands under ExternalDir.
func (q *Quarantine) relativeParent(path string) string {
	roots := append([]string{q.repoRoot}, q.watchRoots...)
	for _, root := range roots {
		if root == "" || !security.IsSubPath(path, root) {
			continue
		}
		if rel, err := filepath.Rel(root, filepath.Dir(path)); err == nil {
			return rel
		}
	}
	return ExternalDir
}

// List reads every sidecar under the quarantine tree
func (q *Quarantine) List() ([]Record, error) {
	var records []Record
	err := filepath.WalkDir(q.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == q.root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, InfoSuffix) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		var r Record
		if err := jsoniter.Unmarshal(data, &r); err != nil {
			q.logger.Warn("Unreadable quarantine sidecar", "path", p, "error", err)
			return nil
		}
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.QuarantineFailed, err, "list %s", q.root)
	}
	return records, nil
}
