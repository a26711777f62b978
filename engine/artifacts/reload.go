package artifacts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/WessleyAI/tyrefit/pkg/metrics"
	"github.com/WessleyAI/tyrefit/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

// SubjectPublished announces a newly built index or estimator bank.
const SubjectPublished = "tyrefit.artifacts.published"

// Published is the message on SubjectPublished. Empty fields mean "the
// receiver's default".
type Published struct {
	SnapshotID  string    `json:"snapshot_id,omitempty"`
	ArtifactDir string    `json:"artifact_dir,omitempty"`
	Version     string    `json:"version,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Announce publishes msg on SubjectPublished.
func Announce(ctx context.Context, nc *nats.Conn, msg Published) error {
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}
	return natsutil.Publish(ctx, nc, SubjectPublished, msg)
}

// Reloader loads a complete new Set when a publish is announced and swaps it
// into the holder. A failed load leaves the current set in place.
type Reloader struct {
	holder  *Holder
	base    LoadOptions
	logger  *slog.Logger
	metrics *metrics.Registry
	mu      sync.Mutex
}

// NewReloader returns a Reloader that loads with base, overridden by the
// fields of each announcement.
func NewReloader(h *Holder, base LoadOptions, logger *slog.Logger, reg *metrics.Registry) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	base.Logger = logger
	return &Reloader{holder: h, base: base, logger: logger, metrics: reg}
}

// Handle performs one reload. Loads are serialized so announcements are
// applied in arrival order.
func (r *Reloader) Handle(ctx context.Context, msg Published) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	opts := r.base
	if msg.ArtifactDir != "" {
		opts.ArtifactDir = msg.ArtifactDir
	}
	if msg.SnapshotID != "" {
		opts.SnapshotID = msg.SnapshotID
		opts.Index = nil
	}
	start := time.Now()
	s, err := Load(ctx, opts)
	if err != nil {
		r.count("failed")
		r.logger.Error("artifact reload failed, keeping current set", "error", err, "snapshot_id", msg.SnapshotID)
		return err
	}
	old := r.holder.Swap(s)
	r.count("ok")
	attrs := []any{"version", s.Version(), "duration", time.Since(start)}
	if old != nil {
		attrs = append(attrs, "previous", old.Version())
	}
	r.logger.Info("artifact set swapped", attrs...)
	return nil
}

func (r *Reloader) count(outcome string) {
	if r.metrics == nil {
		return
	}
	r.metrics.Counter(metrics.WithLabels("tyrefit_artifact_reloads_total", "outcome", outcome), "Artifact set reloads").Inc()
}

// Start subscribes to SubjectPublished.
func (r *Reloader) Start(nc *nats.Conn) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, SubjectPublished, natsutil.SubOptions{Logger: r.logger}, func(ctx context.Context, msg Published) error {
		_ = r.Handle(ctx, msg) // logged by Handle
		return nil
	})
}
