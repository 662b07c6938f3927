package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/InsulaLabs/quire/client"
	"github.com/InsulaLabs/quire/config"
	"github.com/InsulaLabs/quire/models"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDocumentIDMissing = errors.New("document id is required")
	ErrOriginMissing     = errors.New("origin is required")
	ErrSaveInProgress    = errors.New("a save is already in progress")
)

type Status string

const (
	StatusSaving     Status = "saving"
	StatusSaved      Status = "saved"
	StatusSaveFailed Status = "save failed"
)

// Outcome is what reconciling one candidate snapshot did.
type Outcome int

const (
	// OutcomeApplied replaced local state with the candidate.
	OutcomeApplied Outcome = iota
	// OutcomeTimestampOnly recorded a newer timestamp for identical content.
	OutcomeTimestampOnly
	// OutcomeStale ignored a candidate that was not newer.
	OutcomeStale
	// OutcomeEcho ignored our own save coming back.
	OutcomeEcho
	// OutcomeDeferred held the candidate until a save or apply finishes.
	OutcomeDeferred
	// OutcomeInvalid ignored a candidate whose content could not be decoded.
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeTimestampOnly:
		return "timestamp-only"
	case OutcomeStale:
		return "stale"
	case OutcomeEcho:
		return "echo"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeInvalid:
		return "invalid"
	}
	return "unknown"
}

type Hooks struct {
	// OnStatus reports save progress. err is set for StatusSaveFailed.
	OnStatus func(status Status, err error)

	// OnRemoteUpdate runs after a remote snapshot was applied.
	OnRemoteUpdate func(snap models.Snapshot)
}

type Options struct {
	DocumentID string
	Origin     Origin

	// Relay is optional; without it the agent only polls.
	Relay Relay

	Config config.Agent
	Logger *slog.Logger
	Hooks  Hooks

	// SenderMarker identifies this agent's saves. Generated when empty.
	SenderMarker string

	// EventName is the relay event carrying document payloads.
	EventName string
}

// State is a point-in-time view of the agent's bookkeeping.
type State struct {
	KnownTimestamp int64
	Modified       bool
	Saving         bool
	Applying       bool
	Subscribed     bool
}

// Agent keeps one Surface consistent with the origin's copy of a document.
// Local edits are pushed on a fixed interval; remote snapshots arrive from the
// relay, or from polling while no subscription is held, and are applied under
// last-write-wins.
type Agent struct {
	id        string
	channel   string
	marker    string
	eventName string

	surface Surface
	origin  Origin
	relay   Relay
	cfg     config.Agent
	logger  *slog.Logger
	hooks   Hooks

	mu         sync.Mutex
	knownTS    int64
	modified   bool
	editGen    uint64
	saving     bool
	applying   bool
	subscribed bool
	pending    *models.Snapshot

	// The armed echo guard: canonical content of the last save mapped to the
	// updated_at the origin gave it. At most one entry.
	echo *ttlcache.Cache[string, int64]

	closeOnce sync.Once
}

func New(surface Surface, opts Options) (*Agent, error) {
	if opts.DocumentID == "" {
		return nil, ErrDocumentIDMissing
	}
	if opts.Origin == nil {
		return nil, ErrOriginMissing
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	marker := opts.SenderMarker
	if marker == "" {
		marker = uuid.NewString()
	}
	eventName := opts.EventName
	if eventName == "" {
		eventName = models.EventEditorUpdated
	}

	echo := ttlcache.New[string, int64](
		ttlcache.WithTTL[string, int64](opts.Config.EchoGuardWindow),
		ttlcache.WithDisableTouchOnHit[string, int64](),
	)
	go echo.Start()

	a := &Agent{
		id:        opts.DocumentID,
		channel:   models.ChannelForDocument(opts.DocumentID),
		marker:    marker,
		eventName: eventName,
		surface:   surface,
		origin:    opts.Origin,
		relay:     opts.Relay,
		cfg:       opts.Config,
		logger:    logger.WithGroup("agent").With("document_id", opts.DocumentID),
		hooks:     opts.Hooks,
		echo:      echo,
	}
	surface.OnChange(a.NotifyLocalChange)
	return a, nil
}

func (a *Agent) SenderMarker() string {
	return a.marker
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		KnownTimestamp: a.knownTS,
		Modified:       a.modified,
		Saving:         a.saving,
		Applying:       a.applying,
		Subscribed:     a.subscribed,
	}
}

// NotifyLocalChange marks the document modified. Changes made while a remote
// snapshot is being applied are not local edits and are ignored.
func (a *Agent) NotifyLocalChange() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.applying {
		return
	}
	a.modified = true
	a.editGen++
}

// Push saves the surface to the origin when it was modified since the last
// save. It is a no-op while another save or an apply is running. A failure
// leaves the document modified so the next interval retries.
func (a *Agent) Push(ctx context.Context) error {
	a.mu.Lock()
	if !a.modified || a.saving || a.applying {
		a.mu.Unlock()
		return nil
	}
	a.saving = true
	gen := a.editGen
	a.mu.Unlock()

	err := a.save(ctx, gen)
	a.drainPending()
	return err
}

// Flush saves immediately even without a recorded local change.
func (a *Agent) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.saving {
		a.mu.Unlock()
		return ErrSaveInProgress
	}
	a.modified = true
	a.mu.Unlock()
	return a.Push(ctx)
}

func (a *Agent) save(ctx context.Context, gen uint64) error {
	content := a.surface.Content()
	title := a.surface.Title()
	canonical, err := models.CanonicalContent(content)
	if err != nil {
		a.finishSave(gen, "", nil)
		a.reportStatus(StatusSaveFailed, err)
		return err
	}

	a.reportStatus(StatusSaving, nil)

	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	resp, err := a.origin.UpdateDocument(reqCtx, a.id, models.UpdateRequest{
		Title:        title,
		Content:      content,
		SenderMarker: a.marker,
	})
	if err != nil {
		a.finishSave(gen, "", nil)
		a.logger.Warn("Save failed, will retry next interval", "error", err)
		a.reportStatus(StatusSaveFailed, err)
		return err
	}

	a.finishSave(gen, canonical, resp)
	a.logger.Debug("Saved", "updated_at", resp.UpdatedAt)
	a.reportStatus(StatusSaved, nil)
	return nil
}

func (a *Agent) finishSave(gen uint64, canonical string, resp *models.UpdateResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saving = false
	if resp == nil {
		return
	}
	if a.editGen == gen {
		a.modified = false
	}
	if resp.UpdatedAt > a.knownTS {
		a.knownTS = resp.UpdatedAt
	}
	a.echo.DeleteAll()
	a.echo.Set(canonical, resp.UpdatedAt, ttlcache.DefaultTTL)
}

// isEcho reports whether snap is this agent's own save coming back. The
// sender marker decides when present; without one the snapshot must match
// the armed guard in both content and timestamp. A matched guard is disarmed.
func (a *Agent) isEcho(snap models.Snapshot, canonical string) bool {
	if snap.SenderMarker != "" {
		return snap.SenderMarker == a.marker
	}
	item := a.echo.Get(canonical)
	if item == nil || item.Value() != snap.Timestamp {
		return false
	}
	a.echo.Delete(canonical)
	return true
}

// Reconcile considers one candidate snapshot. It is applied only when it is
// newer than the known timestamp, differs from the local content, and is not
// an echo of this agent's own save.
func (a *Agent) Reconcile(snap models.Snapshot) Outcome {
	canonical, err := models.CanonicalContent(snap.Content)
	if err != nil {
		a.logger.Warn("Ignoring snapshot with undecodable content", "timestamp", snap.Timestamp, "error", err)
		return OutcomeInvalid
	}

	a.mu.Lock()
	if a.saving || a.applying {
		if a.pending == nil || snap.Timestamp > a.pending.Timestamp {
			held := snap
			a.pending = &held
		}
		a.mu.Unlock()
		return OutcomeDeferred
	}
	if snap.Timestamp <= a.knownTS {
		a.mu.Unlock()
		return OutcomeStale
	}
	if a.isEcho(snap, canonical) {
		a.knownTS = snap.Timestamp
		a.mu.Unlock()
		a.logger.Debug("Ignoring echo of own save", "timestamp", snap.Timestamp)
		return OutcomeEcho
	}

	local, err := models.CanonicalContent(a.surface.Content())
	contentChanged := err != nil || local != canonical
	titleChanged := snap.Title != a.surface.Title()
	if !contentChanged && !titleChanged {
		a.knownTS = snap.Timestamp
		a.mu.Unlock()
		return OutcomeTimestampOnly
	}
	a.applying = true
	a.mu.Unlock()

	a.apply(snap, contentChanged, titleChanged)

	a.mu.Lock()
	a.applying = false
	a.knownTS = snap.Timestamp
	a.modified = false
	a.mu.Unlock()

	a.logger.Info("Applied remote update", "timestamp", snap.Timestamp, "content_changed", contentChanged, "title_changed", titleChanged)
	if a.hooks.OnRemoteUpdate != nil {
		a.hooks.OnRemoteUpdate(snap)
	}
	a.drainPending()
	return OutcomeApplied
}

func (a *Agent) apply(snap models.Snapshot, contentChanged, titleChanged bool) {
	sel := a.surface.Selection()
	if contentChanged {
		a.surface.Replace(snap.Content)
	}
	if titleChanged {
		a.surface.SetTitle(snap.Title)
	}
	a.surface.Select(sel.Clamp(a.surface.Length()))
}

func (a *Agent) drainPending() {
	a.mu.Lock()
	if a.pending == nil || a.saving || a.applying {
		a.mu.Unlock()
		return
	}
	snap := *a.pending
	a.pending = nil
	a.mu.Unlock()

	outcome := a.Reconcile(snap)
	a.logger.Debug("Reconciled held snapshot", "timestamp", snap.Timestamp, "outcome", outcome.String())
}

// Seed records the origin's current timestamp without touching the surface.
// A document the origin does not know yet leaves the timestamp at zero.
func (a *Agent) Seed(ctx context.Context) error {
	doc, err := a.fetch(ctx)
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return nil
		}
		return err
	}
	a.mu.Lock()
	if doc.UpdatedAt > a.knownTS {
		a.knownTS = doc.UpdatedAt
	}
	a.mu.Unlock()
	a.logger.Debug("Seeded timestamp", "updated_at", doc.UpdatedAt)
	return nil
}

// Pull fetches the origin's copy and reconciles it.
func (a *Agent) Pull(ctx context.Context) (Outcome, error) {
	doc, err := a.fetch(ctx)
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return OutcomeStale, nil
		}
		a.logger.Warn("Pull failed, keeping local state", "error", err)
		return OutcomeStale, err
	}
	return a.Reconcile(doc.Snapshot()), nil
}

func (a *Agent) fetch(ctx context.Context) (*models.Document, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	return a.origin.PollDocument(reqCtx, a.id)
}

// HandleFrame reconciles a relay frame carrying a document payload. Frames
// for other events or documents are ignored.
func (a *Agent) HandleFrame(frame models.Frame) (Outcome, bool) {
	if frame.Event != a.eventName {
		return 0, false
	}
	var payload models.DocumentPayload
	if err := json.Unmarshal(models.UnwrapJSON(frame.Data), &payload); err != nil {
		a.logger.Warn("Dropping malformed relay payload", "event", frame.Event, "error", err)
		return 0, false
	}
	if payload.DocumentID != "" && payload.DocumentID != a.id {
		return 0, false
	}
	return a.Reconcile(payload.Snapshot()), true
}

func (a *Agent) setSubscribed(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribed = v
}

// listen holds a relay subscription for the document channel, reconnecting
// with exponential backoff until ctx is done. Every acknowledged subscription
// is followed by one catch-up pull.
func (a *Agent) listen(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	if a.cfg.ReconnectMax > 0 {
		b.MaxInterval = a.cfg.ReconnectMax
	}

	for {
		sub, err := a.relay.Listen(ctx, a.channel)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := b.NextBackOff()
			a.logger.Warn("Relay subscription failed, polling until reconnected", "error", err, "retry_in", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		b.Reset()
		a.setSubscribed(true)
		a.logger.Info("Subscribed to document channel", "channel", a.channel)

		// Writes that landed while no subscription was held are only visible
		// through a pull.
		if outcome, err := a.Pull(ctx); err == nil {
			a.logger.Debug("Caught up after subscribe", "outcome", outcome.String())
		}
		a.consume(ctx, sub)
		a.setSubscribed(false)
		sub.Close()

		if ctx.Err() != nil {
			return nil
		}
		a.logger.Warn("Relay subscription lost, polling until reconnected", "channel", a.channel)
	}
}

func (a *Agent) consume(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.Events():
			if !ok {
				return
			}
			if outcome, handled := a.HandleFrame(frame); handled {
				a.logger.Debug("Relay event reconciled", "outcome", outcome.String())
			}
		}
	}
}

// Run seeds the timestamp, then pushes on every push interval and, while no
// relay subscription is held, pulls on every pull interval. It returns when
// ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	defer a.Close()

	if err := a.Seed(ctx); err != nil {
		a.logger.Warn("Initial pull failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.relay != nil {
		g.Go(func() error {
			return a.listen(ctx)
		})
	}
	g.Go(func() error {
		pushTicker := time.NewTicker(a.cfg.PushInterval)
		defer pushTicker.Stop()
		pullTicker := time.NewTicker(a.cfg.PullInterval)
		defer pullTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-pushTicker.C:
				a.Push(ctx)
			case <-pullTicker.C:
				if a.State().Subscribed {
					continue
				}
				a.Pull(ctx)
			}
		}
	})
	return g.Wait()
}

// Close releases the echo guard. Run calls it on return.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		a.echo.Stop()
	})
}

func (a *Agent) reportStatus(status Status, err error) {
	if a.hooks.OnStatus != nil {
		a.hooks.OnStatus(status, err)
	}
}
