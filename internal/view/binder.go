// Package view is the presentation side of gardenview. The Binder is the
// only writer of the Page; everything else reads the model and publishes
// events.
package view

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/chart"
	"github.com/pigarden/gardenview/internal/eventbus"
	"github.com/pigarden/gardenview/internal/garden"
)

// Page holds the rendered dashboard. Safe for concurrent use.
type Page struct {
	mu       sync.RWMutex
	elements map[string]Element
	chart    *Trace
}

// NewPage creates an empty page.
func NewPage() *Page {
	return &Page{elements: make(map[string]Element)}
}

// Element returns the rendered element with the given id.
func (p *Page) Element(id string) (Element, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.elements[id]
	return e, ok
}

// Elements returns every rendered element sorted by id.
func (p *Page) Elements() []Element {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Element, 0, len(p.elements))
	for _, e := range p.elements {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Chart returns the displayed chart trace, if any.
func (p *Page) Chart() (Trace, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.chart == nil {
		return Trace{}, false
	}
	return *p.chart, true
}

func (p *Page) set(e Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[e.ID] = e
}

func (p *Page) setChart(t Trace) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chart = &t
}

// StateReader is the read path into the model.
type StateReader interface {
	Snapshot() garden.Snapshot
}

// ChartReader exposes the displayed chart series.
type ChartReader interface {
	Current() *chart.Series
}

// Binder re-renders page elements when the model or the chart changes.
// Rendering is a pure function of the current snapshot, so replays and
// duplicate notifications are harmless.
type Binder struct {
	model       StateReader
	charts      ChartReader
	page        *Page
	loc         *time.Location
	unavailable string
	now         func() time.Time
}

// NewBinder creates a binder writing into page.
func NewBinder(model StateReader, charts ChartReader, page *Page, loc *time.Location, unavailableText string) *Binder {
	if loc == nil {
		loc = time.UTC
	}
	return &Binder{
		model:       model,
		charts:      charts,
		page:        page,
		loc:         loc,
		unavailable: unavailableText,
		now:         time.Now,
	}
}

// Attach subscribes the binder to the bus.
func (b *Binder) Attach(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeStateChanged, b.handleStateChanged)
	bus.Subscribe(eventbus.EventTypeFetchFailed, b.handleFetchFailed)
	bus.Subscribe(eventbus.EventTypeFetchSucceeded, b.handleFetchSucceeded)
	bus.Subscribe(eventbus.EventTypeChartReady, b.handleChartReady)
	bus.Subscribe(eventbus.EventTypeResync, b.handleResync)
}

// RenderAll renders every field that has a value.
func (b *Binder) RenderAll() {
	snap := b.model.Snapshot()
	b.render(snap, allFields(snap))
	b.renderChart()
}

// Render re-renders the given fields from a fresh snapshot.
func (b *Binder) Render(fields []string) {
	b.render(b.model.Snapshot(), fields)
}

// MarkUnavailable shows the unavailable text for a field whose read failed.
func (b *Binder) MarkUnavailable(field string) {
	id, ok := elementFor(field)
	if !ok {
		return
	}
	b.page.set(Element{ID: id, Text: b.unavailable, Class: "unavailable", UpdatedAt: b.now().UTC()})
}

func (b *Binder) render(snap garden.Snapshot, fields []string) {
	now := b.now().UTC()
	for _, f := range fields {
		e, ok := renderField(snap, f)
		if !ok {
			continue
		}
		e.UpdatedAt = now
		b.page.set(e)
	}
}

func (b *Binder) renderChart() {
	if b.charts == nil {
		return
	}
	if s := b.charts.Current(); s != nil {
		b.page.setChart(NewTrace(s, b.loc))
	}
}

func (b *Binder) handleStateChanged(e eventbus.Event) {
	data, ok := e.Data.(eventbus.StateChanged)
	if !ok {
		return
	}
	b.Render(data.Fields)
}

func (b *Binder) handleFetchFailed(e eventbus.Event) {
	data, ok := e.Data.(eventbus.FetchFailed)
	if !ok {
		return
	}
	log.Debug().Err(data.Err).Str("field", data.Field).Msg("Showing field as unavailable")
	b.MarkUnavailable(data.Field)
}

// an unchanged value after a failure still has to replace the unavailable text
func (b *Binder) handleFetchSucceeded(e eventbus.Event) {
	data, ok := e.Data.(eventbus.FetchSucceeded)
	if !ok {
		return
	}
	if el, shown := b.page.Element(mustElement(data.Field)); shown && el.Class != "unavailable" {
		return
	}
	b.Render([]string{data.Field})
}

func mustElement(field string) string {
	id, _ := elementFor(field)
	return id
}

func (b *Binder) handleChartReady(eventbus.Event) {
	b.renderChart()
}

// the bus dropped notifications; nothing says which fields they named
func (b *Binder) handleResync(eventbus.Event) {
	log.Debug().Msg("Re-rendering the whole page after dropped notifications")
	snap := b.model.Snapshot()
	var fields []string
	for _, f := range allFields(snap) {
		// a failed read stays failed until the next good one
		if el, shown := b.page.Element(mustElement(f)); shown && el.Class == "unavailable" {
			continue
		}
		fields = append(fields, f)
	}
	b.render(snap, fields)
	b.renderChart()
}
