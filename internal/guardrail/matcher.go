// Package guardrail stops automation before it crosses into a payment step.
//
// The checks are pure functions over an element and page snapshot. Any match
// aborts the step: false positives are accepted, false negatives are not.
package guardrail

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"enrollo/internal/automation"
)

// Matcher is a compiled Patterns.
type Matcher struct {
	patterns   Patterns
	buttonText []phrase
	bodyText   []phrase
	price      *regexp.Regexp
}

type phrase struct {
	raw string
	re  *regexp.Regexp
}

func compilePhrases(list []string) []phrase {
	out := make([]phrase, 0, len(list))
	for _, s := range list {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		words := strings.Fields(s)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		out = append(out, phrase{raw: s, re: regexp.MustCompile(`\b` + strings.Join(words, `\s+`) + `\b`)})
	}
	return out
}

// NewMatcher compiles p. Only the price pattern can fail to compile.
func NewMatcher(p Patterns) (*Matcher, error) {
	price, err := regexp.Compile(p.PricePattern)
	if err != nil {
		return nil, fmt.Errorf("compile price pattern: %w", err)
	}
	return &Matcher{
		patterns:   p,
		buttonText: compilePhrases(p.ButtonText),
		bodyText:   compilePhrases(p.BodyPhrases),
		price:      price,
	}, nil
}

var defaultMatcher = mustMatcher(DefaultPatterns())

func mustMatcher(p Patterns) *Matcher {
	m, err := NewMatcher(p)
	if err != nil {
		panic(err)
	}
	return m
}

// IsPaymentButton checks el against the default patterns.
func IsPaymentButton(el automation.Element, page automation.Page) (bool, string) {
	return defaultMatcher.IsPaymentButton(el, page)
}

// PageIndicatesPayment checks page against the default patterns.
func PageIndicatesPayment(page automation.Page) (bool, string) {
	return defaultMatcher.PageIndicatesPayment(page)
}

// IsPaymentButton reports whether clicking el would likely commit a payment,
// and which rule fired.
func (m *Matcher) IsPaymentButton(el automation.Element, page automation.Page) (bool, string) {
	text := normalize(el.Text + " " + el.Value)
	for _, p := range m.buttonText {
		if p.re.MatchString(text) {
			return true, "text:" + p.raw
		}
	}

	attrs := strings.ToLower(strings.Join([]string{el.ID, el.Class, el.Name}, " "))
	for _, a := range m.patterns.ButtonAttributes {
		if a != "" && strings.Contains(attrs, strings.ToLower(a)) {
			return true, "attribute:" + a
		}
	}

	if el.Rect != (automation.Rect{}) {
		for _, n := range page.TextNodes {
			if !m.price.MatchString(n.Text) {
				continue
			}
			if el.Rect.Distance(n.Rect) < m.patterns.PriceProximityPx {
				return true, "price_proximity:" + strings.TrimSpace(n.Text)
			}
		}
	}
	return false, ""
}

// PageIndicatesPayment reports whether the current page is a payment step,
// and which rule fired.
func (m *Matcher) PageIndicatesPayment(page automation.Page) (bool, string) {
	routes := urlRoutes(page.URL)
	for _, p := range m.patterns.URLPaths {
		if p == "" {
			continue
		}
		for _, route := range routes {
			if strings.Contains(route+"/", strings.ToLower(p)) {
				return true, "url:" + p
			}
		}
	}

	for _, src := range page.FrameSources {
		if host, ok := frameHost(src); ok {
			for _, h := range m.patterns.PaymentFrameHosts {
				if host == h || strings.HasSuffix(host, "."+h) {
					return true, "frame:" + h
				}
			}
		}
	}

	body := normalize(page.BodyText)
	for _, p := range m.bodyText {
		if p.re.MatchString(body) {
			return true, "body:" + p.raw
		}
	}

	for _, in := range page.Inputs {
		fields := strings.ToLower(strings.Join([]string{in.Name, in.ID, in.Autocomplete}, " "))
		for _, h := range m.patterns.CardFieldHints {
			if h != "" && strings.Contains(fields, strings.ToLower(h)) {
				return true, "card_field:" + h
			}
		}
	}
	return false, ""
}

// urlRoutes lists the lower-cased places a URL can carry a route: the path,
// the fragment used by hash routers, and the query with its separators turned
// into path segments. An unparseable URL is matched as a whole.
func urlRoutes(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		unescaped, uerr := url.PathUnescape(raw)
		if uerr != nil {
			return []string{strings.ToLower(raw)}
		}
		return []string{strings.ToLower(raw), strings.ToLower(unescaped)}
	}
	routes := []string{strings.ToLower(u.EscapedPath())}
	if u.Fragment != "" {
		routes = append(routes, "/"+strings.TrimLeft(strings.ToLower(u.Fragment), "#!/"))
	}
	if u.RawQuery != "" {
		query := u.RawQuery
		if q, err := url.QueryUnescape(query); err == nil {
			query = q
		}
		query = strings.NewReplacer("&", "/", "=", "/", ";", "/").Replace(strings.ToLower(query))
		routes = append(routes, "/"+query)
	}
	return routes
}

func frameHost(src string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(src))
	if err != nil || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Hostname()), true
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
