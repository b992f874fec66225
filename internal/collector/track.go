package collector

import (
	"time"

	"github.com/gkobilansky/funnel-goat/internal/events"
)

// ScrollMilestones are the only scroll depths ever reported.
var ScrollMilestones = []int{25, 50, 75, 100}

// TrackPageView records a page view and resets scroll milestones for the new
// page.
func (c *Collector) TrackPageView(path, title, referrer string) {
	c.mu.Lock()
	c.scrollSeen = make(map[int]bool)
	c.mu.Unlock()

	c.Track(events.PageView{Path: path, Title: title, Referrer: referrer})
}

// TrackSectionView records a section coming into view and remembers when, so
// the matching exit can report time spent.
func (c *Collector) TrackSectionView(section string) {
	c.mu.Lock()
	if !c.destroyed {
		c.sectionViews[section] = c.clock.Now()
	}
	c.mu.Unlock()

	c.Track(events.SectionView{Section: section})
}

// TrackSectionExit reports the time since the matching section view in this
// session, or zero when the view was never seen.
func (c *Collector) TrackSectionExit(section string) {
	c.mu.Lock()
	var elapsed time.Duration
	if start, ok := c.sectionViews[section]; ok {
		elapsed = c.clock.Now().Sub(start)
		delete(c.sectionViews, section)
	}
	c.mu.Unlock()

	c.Track(events.SectionExit{Section: section, ElapsedMs: elapsed.Milliseconds()})
}

func (c *Collector) TrackCTAClick(click events.CTAClick) (events.Event, bool) {
	return c.Track(click)
}

// TrackFormSubmission records a form result. Sensitive field values are
// redacted before the event exists.
func (c *Collector) TrackFormSubmission(formType string, success bool, fields map[string]string) (events.Event, bool) {
	return c.Track(events.NewFormSubmission(formType, success, fields))
}

func (c *Collector) TrackFormAbandonment(formType, lastField string, elapsed time.Duration, reason string) (events.Event, bool) {
	return c.Track(events.FormAbandonment{
		FormType:  formType,
		LastField: lastField,
		ElapsedMs: elapsed.Milliseconds(),
		Reason:    reason,
	})
}

func (c *Collector) TrackCalculatorStep(calculator string, step int, stepName string, inputs map[string]string) {
	c.Track(events.NewCalculatorStep(calculator, step, stepName, inputs))
}

// TrackScroll reports every milestone at or below percent that has not been
// reported on this page yet, and returns the milestones it emitted.
func (c *Collector) TrackScroll(percent int) []int {
	c.mu.Lock()
	var reached []int
	for _, m := range ScrollMilestones {
		if percent >= m && !c.scrollSeen[m] {
			c.scrollSeen[m] = true
			reached = append(reached, m)
		}
	}
	c.mu.Unlock()

	for _, m := range reached {
		c.Track(events.ScrollMilestone{Percent: m})
	}
	return reached
}

func (c *Collector) TrackCustom(name string, data map[string]any) (events.Event, bool) {
	return c.Track(events.Custom{Name: name, Data: data})
}

// TrackConversion enqueues a conversion at high priority, which flushes the
// queue immediately.
func (c *Collector) TrackConversion(conv events.Conversion) (events.Event, bool) {
	return c.Track(conv)
}

// TrackError records an error at high priority. It is a single best-effort
// attempt and never reports its own failure.
func (c *Collector) TrackError(err error, source string, fatal bool) {
	if err == nil {
		return
	}
	c.Track(events.Error{Message: err.Error(), Source: source, Fatal: fatal})
}

func (c *Collector) TrackExposure(experimentID, variantID string) {
	c.Track(events.Exposure{ExperimentID: experimentID, VariantID: variantID})
}

func (c *Collector) TrackFunnelStep(step string, index int) {
	c.Track(events.FunnelStep{Step: step, Index: index})
}
