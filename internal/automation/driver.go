// Package automation defines the page-automation collaborator the workflow
// drives. Concrete browser bindings live outside this module.
package automation

import (
	"context"
	"errors"
	"math"
)

// Drivers wrap these so callers can tell site conditions apart from bugs.
var (
	ErrElementNotFound = errors.New("element not found")
	ErrTimeout         = errors.New("navigation timed out")
	ErrSiteUnavailable = errors.New("site unavailable")
	ErrRateLimited     = errors.New("rate limited by site")
)

//go:generate mockgen -source=driver.go -destination=mocks/mocks.go -package=mocks

// Driver controls one browser session. A Driver is owned by exactly one
// session and is never used by two jobs at once.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// Inspect describes the element a selector resolves to without acting on it.
	Inspect(ctx context.Context, selector string) (*Element, error)
	Text(ctx context.Context, selector string) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	BodyText(ctx context.Context) (string, error)
	// Page returns a structural snapshot of the current document.
	Page(ctx context.Context) (*Page, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Launcher opens a fresh Driver, optionally restoring persisted auth state.
type Launcher interface {
	Launch(ctx context.Context, authStateRef string) (Driver, error)
}

// Rect is an element's bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Distance returns the gap between two boxes, zero when they overlap.
func (r Rect) Distance(o Rect) float64 {
	dx := math.Max(0, math.Max(o.X-(r.X+r.Width), r.X-(o.X+o.Width)))
	dy := math.Max(0, math.Max(o.Y-(r.Y+r.Height), r.Y-(o.Y+o.Height)))
	return math.Hypot(dx, dy)
}

// Element is a snapshot of one DOM element.
type Element struct {
	Selector     string `json:"selector"`
	Tag          string `json:"tag"`
	Text         string `json:"text"`
	ID           string `json:"id,omitempty"`
	Class        string `json:"class,omitempty"`
	Name         string `json:"name,omitempty"`
	Type         string `json:"type,omitempty"`
	Autocomplete string `json:"autocomplete,omitempty"`
	Value        string `json:"value,omitempty"`
	Rect         Rect   `json:"rect"`
}

// TextNode is visible text with its position, used for price proximity.
type TextNode struct {
	Text string `json:"text"`
	Rect Rect   `json:"rect"`
}

// Page is a structural snapshot of the current document.
type Page struct {
	URL          string     `json:"url"`
	Title        string     `json:"title"`
	BodyText     string     `json:"body_text"`
	FrameSources []string   `json:"frame_sources,omitempty"`
	Inputs       []Element  `json:"inputs,omitempty"`
	TextNodes    []TextNode `json:"text_nodes,omitempty"`
}
