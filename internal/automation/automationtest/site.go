// Package automationtest provides an in-memory provider site and a Driver
// that browses it, for exercising workflows without a browser.
package automationtest

import (
	"context"
	"fmt"
	"sync"

	"enrollo/internal/automation"
)

// Screen is one page of a simulated site.
type Screen struct {
	Title        string
	BodyText     string
	FrameSources []string
	TextNodes    []automation.TextNode
	// Elements maps selectors to the controls on the page.
	Elements map[string]automation.Element
	// OnClick maps a selector to the URL the click leads to.
	OnClick map[string]string
}

// Site is a set of screens keyed by URL. It is safe for concurrent use.
type Site struct {
	mu       sync.Mutex
	screens  map[string]Screen
	failures map[string][]error
	launches int
	drivers  []*Driver
}

func NewSite() *Site {
	return &Site{screens: make(map[string]Screen), failures: make(map[string][]error)}
}

// Add registers a screen at url.
func (s *Site) Add(url string, screen Screen) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screens[url] = screen
	return s
}

// Redirect points a selector's click on the screen at url somewhere else.
func (s *Site) Redirect(url, selector, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	screen := s.screens[url]
	next := make(map[string]string, len(screen.OnClick)+1)
	for k, v := range screen.OnClick {
		next[k] = v
	}
	next[selector] = target
	screen.OnClick = next
	s.screens[url] = screen
}

// FailNext queues errors returned by the next calls of op ("navigate",
// "click", "fill") across every driver.
func (s *Site) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

func (s *Site) takeFailure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.failures[op]
	if len(queue) == 0 {
		return nil
	}
	s.failures[op] = queue[1:]
	return queue[0]
}

func (s *Site) screen(url string) (Screen, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	screen, ok := s.screens[url]
	return screen, ok
}

// Launch implements automation.Launcher.
func (s *Site) Launch(_ context.Context, _ string) (automation.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launches++
	d := &Driver{site: s, url: "about:blank", filled: make(map[string]string)}
	s.drivers = append(s.drivers, d)
	return d, nil
}

// Launches reports how many drivers were opened.
func (s *Site) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

// Actions returns every click and navigation across all drivers, in order
// per driver.
func (s *Site) Actions() []string {
	s.mu.Lock()
	drivers := append([]*Driver(nil), s.drivers...)
	s.mu.Unlock()
	var out []string
	for _, d := range drivers {
		out = append(out, d.Actions()...)
	}
	return out
}

// Driver browses a Site.
type Driver struct {
	site *Site

	mu      sync.Mutex
	url     string
	filled  map[string]string
	actions []string
	closed  bool
}

func (d *Driver) current() (string, Screen) {
	d.mu.Lock()
	url := d.url
	d.mu.Unlock()
	screen, _ := d.site.screen(url)
	return url, screen
}

func (d *Driver) record(action string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, action)
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.site.takeFailure("navigate"); err != nil {
		return err
	}
	if _, ok := d.site.screen(url); !ok {
		return fmt.Errorf("navigate %s: %w", url, automation.ErrSiteUnavailable)
	}
	d.record("navigate " + url)
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
	return nil
}

func (d *Driver) Fill(_ context.Context, selector, value string) error {
	if err := d.site.takeFailure("fill"); err != nil {
		return err
	}
	_, screen := d.current()
	if _, ok := screen.Elements[selector]; !ok {
		return fmt.Errorf("fill %s: %w", selector, automation.ErrElementNotFound)
	}
	d.mu.Lock()
	d.filled[selector] = value
	d.mu.Unlock()
	return nil
}

func (d *Driver) Click(_ context.Context, selector string) error {
	if err := d.site.takeFailure("click"); err != nil {
		return err
	}
	_, screen := d.current()
	if _, ok := screen.Elements[selector]; !ok {
		return fmt.Errorf("click %s: %w", selector, automation.ErrElementNotFound)
	}
	d.record("click " + selector)
	if next, ok := screen.OnClick[selector]; ok {
		d.mu.Lock()
		d.url = next
		d.mu.Unlock()
	}
	return nil
}

func (d *Driver) Inspect(_ context.Context, selector string) (*automation.Element, error) {
	_, screen := d.current()
	el, ok := screen.Elements[selector]
	if !ok {
		return nil, fmt.Errorf("inspect %s: %w", selector, automation.ErrElementNotFound)
	}
	el.Selector = selector
	return &el, nil
}

func (d *Driver) Text(ctx context.Context, selector string) (string, error) {
	el, err := d.Inspect(ctx, selector)
	if err != nil {
		return "", err
	}
	return el.Text, nil
}

func (d *Driver) CurrentURL(context.Context) (string, error) {
	url, _ := d.current()
	return url, nil
}

func (d *Driver) BodyText(context.Context) (string, error) {
	_, screen := d.current()
	return screen.BodyText, nil
}

func (d *Driver) Page(context.Context) (*automation.Page, error) {
	url, screen := d.current()
	page := &automation.Page{
		URL:          url,
		Title:        screen.Title,
		BodyText:     screen.BodyText,
		FrameSources: screen.FrameSources,
		TextNodes:    screen.TextNodes,
	}
	for sel, el := range screen.Elements {
		if el.Tag == "input" {
			el.Selector = sel
			page.Inputs = append(page.Inputs, el)
		}
	}
	return page, nil
}

func (d *Driver) Screenshot(context.Context) ([]byte, error) {
	url, _ := d.current()
	return []byte("screenshot:" + url), nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Filled returns a copy of every value typed into a field.
func (d *Driver) Filled() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.filled))
	for k, v := range d.filled {
		out[k] = v
	}
	return out
}

// Actions returns clicks and navigations in order.
func (d *Driver) Actions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.actions...)
}

func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
