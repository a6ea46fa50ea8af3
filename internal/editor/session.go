// Package editor owns the live watermark settings. Every accepted edit
// emits one ConfigChanged event, and the session persists the last-used
// record on each of them.
package editor

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"photomark/internal/compose"
	"photomark/internal/fonts"
	"photomark/internal/geom"
	"photomark/internal/placement"
	"photomark/internal/templates"
	"photomark/internal/watermark"
)

// ErrNoPreview is returned by display-space operations before any preview
// has been rendered.
var ErrNoPreview = errors.New("no preview rendered")

// EventKind classifies session events.
type EventKind string

const (
	ConfigChanged   EventKind = "config_changed"
	TemplateSaved   EventKind = "template_saved"
	TemplateDeleted EventKind = "template_deleted"
)

// Event is delivered to listeners and subscribers. Settings is a private
// copy taken when the event was emitted.
type Event struct {
	Kind     EventKind
	Template string
	Settings watermark.Settings
}

// Previewer renders the scaled preview.
type Previewer interface {
	RenderPreview(base image.Image, cfg watermark.Config, dstW, dstH int) (compose.Preview, error)
}

// Session is the single editor for one configuration.
type Session struct {
	store  templates.Store
	engine Previewer
	log    *slog.Logger

	restoreOnce sync.Once
	restoreErr  error

	mu        sync.Mutex
	settings  watermark.Settings
	listeners []func(Event)

	// display state of the most recent preview
	view       geom.Viewport
	textRect   image.Rectangle
	hasPreview bool
	dragging   bool
	grab       geom.Point

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// New creates a session with default settings. The last-used listener is
// registered before any edit can happen.
func New(store templates.Store, engine Previewer, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		store:    store,
		engine:   engine,
		log:      log,
		settings: watermark.Defaults(),
		subs:     make(map[int]chan Event),
	}
	s.listeners = append(s.listeners, s.persistLastUsed)
	return s
}

// Restore loads the last-used record once. A missing record is not an
// error. A malformed one leaves the defaults in place and is returned so
// the caller can report it.
func (s *Session) Restore() error {
	s.restoreOnce.Do(func() {
		if s.store == nil {
			return
		}
		loaded, err := s.store.LoadLastUsed()
		switch {
		case errors.Is(err, watermark.ErrTemplateNotFound):
			return
		case err != nil:
			s.log.Warn("last-used settings ignored", "error", err)
			s.restoreErr = err
			return
		}
		s.mu.Lock()
		s.settings = loaded
		s.mu.Unlock()
		s.log.Debug("restored last-used settings")
	})
	return s.restoreErr
}

// AddListener registers fn for every event. Listeners run with the session
// locked and must not call back into it.
func (s *Session) AddListener(fn func(Event)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Subscribe returns a buffered event channel and its cancel function.
// Slow subscribers miss events rather than block edits.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Event, 32)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
		s.subMu.Unlock()
	}
}

// Snapshot returns a deep copy of the live settings.
func (s *Session) Snapshot() watermark.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Clone()
}

// Update applies fn to a copy of the settings. If the result is invalid
// nothing changes and no event is emitted.
func (s *Session) Update(fn func(*watermark.Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(fn, "")
}

func (s *Session) updateLocked(fn func(*watermark.Settings), template string) error {
	next := s.settings.Clone()
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.settings = next
	s.emitLocked(Event{Kind: ConfigChanged, Template: template, Settings: next.Clone()})
	return nil
}

func (s *Session) emitLocked(ev Event) {
	for _, fn := range s.listeners {
		fn(ev)
	}
	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.subMu.Unlock()
}

func (s *Session) persistLastUsed(ev Event) {
	if ev.Kind != ConfigChanged || s.store == nil {
		return
	}
	if err := s.store.SaveLastUsed(ev.Settings); err != nil {
		s.log.Warn("could not persist last-used settings", "error", err)
	}
}

func (s *Session) SetText(text string) error {
	return s.Update(func(st *watermark.Settings) { st.Watermark.Text = text })
}

func (s *Session) SetFontSize(px int) error {
	return s.Update(func(st *watermark.Settings) { st.Watermark.FontSize = px })
}

func (s *Session) SetOpacity(pct int) error {
	return s.Update(func(st *watermark.Settings) { st.Watermark.Opacity = pct })
}

func (s *Session) SetColor(c watermark.Color) error {
	return s.Update(func(st *watermark.Settings) { st.Watermark.Color = c })
}

func (s *Session) SetFont(ref fonts.Ref) error {
	return s.Update(func(st *watermark.Settings) { st.Watermark.Font = ref })
}

// SetPosition switches the placement mode. A stored manual anchor is kept
// so switching back to Manual restores it.
func (s *Session) SetPosition(p placement.Position) error {
	return s.Update(func(st *watermark.Settings) { st.Watermark.Position = p })
}

// SetManualAnchor places the text centre at p in source pixels.
func (s *Session) SetManualAnchor(p geom.Point) error {
	return s.Update(func(st *watermark.Settings) {
		st.Watermark.Position = placement.Manual
		st.Watermark.ManualAnchor = &p
	})
}

func (s *Session) SetOutput(o watermark.OutputSettings) error {
	return s.Update(func(st *watermark.Settings) { st.Output = o })
}

// LoadTemplate replaces the live settings with a stored template. On any
// failure the current settings are untouched.
func (s *Session) LoadTemplate(name string) error {
	if s.store == nil {
		return fmt.Errorf("%w: %s", watermark.ErrTemplateNotFound, name)
	}
	t, err := s.store.Load(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(func(st *watermark.Settings) { *st = t.Settings.Clone() }, name)
}

// SaveTemplate stores the live settings under name.
func (s *Session) SaveTemplate(name string) error {
	if s.store == nil {
		return errors.New("no template store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Save(name, s.settings); err != nil {
		return err
	}
	s.emitLocked(Event{Kind: TemplateSaved, Template: name, Settings: s.settings.Clone()})
	return nil
}

// DeleteTemplate removes a stored template. Deleting a missing one is not
// an error.
func (s *Session) DeleteTemplate(name string) error {
	if s.store == nil {
		return errors.New("no template store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Delete(name); err != nil {
		return err
	}
	s.emitLocked(Event{Kind: TemplateDeleted, Template: name, Settings: s.settings.Clone()})
	return nil
}

// Templates lists stored template names.
func (s *Session) Templates() ([]string, error) {
	if s.store == nil {
		return []string{}, nil
	}
	return s.store.List()
}

// Preview renders img into a dstW x dstH surface with the live settings and
// remembers the layout for hit-testing.
func (s *Session) Preview(img image.Image, dstW, dstH int) (compose.Preview, error) {
	cfg := s.Snapshot().Watermark
	p, err := s.engine.RenderPreview(img, cfg, dstW, dstH)
	if err != nil {
		return compose.Preview{}, err
	}
	s.mu.Lock()
	s.view = p.Viewport
	s.textRect = p.TextRect
	s.hasPreview = true
	s.dragging = false
	s.mu.Unlock()
	return p, nil
}

// TextRect is the text box of the last preview, in display pixels.
func (s *Session) TextRect() (image.Rectangle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textRect, s.hasPreview
}

// BeginDrag starts a drag if pt hits the text box. The offset between pt
// and the box centre is kept for the rest of the drag.
func (s *Session) BeginDrag(pt geom.Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasPreview || !pt.Round().In(s.textRect) {
		return false
	}
	s.dragging = true
	s.grab = rectCenter(s.textRect).Sub(pt)
	return true
}

// DragTo moves the text centre under the pointer and stores it as a
// manual anchor. It reports false when no drag is active.
func (s *Session) DragTo(pt geom.Point) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dragging {
		return false, nil
	}
	return true, s.placeLocked(pt.Add(s.grab))
}

// EndDrag finishes the current drag.
func (s *Session) EndDrag() {
	s.mu.Lock()
	s.dragging = false
	s.mu.Unlock()
}

// PlaceAt centres the text on a display point without hit-testing.
func (s *Session) PlaceAt(pt geom.Point) (geom.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasPreview {
		return geom.Point{}, ErrNoPreview
	}
	if err := s.placeLocked(pt); err != nil {
		return geom.Point{}, err
	}
	return *s.settings.Watermark.ManualAnchor, nil
}

func (s *Session) placeLocked(center geom.Point) error {
	anchor := s.view.ToSource(center)
	if err := s.updateLocked(func(st *watermark.Settings) {
		st.Watermark.Position = placement.Manual
		st.Watermark.ManualAnchor = &anchor
	}, ""); err != nil {
		return err
	}
	// keep hit-testing in step with the moved box until the next render
	shown := s.view.ToDisplay(anchor).Round()
	s.textRect = s.textRect.Add(shown.Sub(rectCenter(s.textRect).Round()))
	return nil
}

func rectCenter(r image.Rectangle) geom.Point {
	return geom.Pt(float64(r.Min.X+r.Max.X)/2, float64(r.Min.Y+r.Max.Y)/2)
}
