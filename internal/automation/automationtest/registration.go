package automationtest

import (
	"fmt"

	"enrollo/internal/automation"
)

// Selectors used by the simulated registration site.
const (
	SelUsername         = "#username"
	SelPassword         = "#password"
	SelSignIn           = "#sign-in"
	SelLoginError       = "#login-error"
	SelDelegateName     = "#delegate-name"
	SelDelegateEmail    = "#delegate-email"
	SelDelegatePhone    = "#delegate-phone"
	SelParticipantField = "#participant-%d-%s"
	SelNext             = "#next"
	SelFormError        = "#form-error"
	SelProgramFull      = "#waitlist-notice"
	SelPrice            = "#price"
	SelConfirm          = "#confirm"
	SelBookingRef       = "#booking-ref"

	BookingRef = "BK-1042"
)

// RegistrationSite is a provider with login, a participant form, a review
// page priced at $45.00 and a confirmation page.
type RegistrationSite struct {
	*Site
	Base string
}

func (r *RegistrationSite) LoginURL() string        { return r.Base + "/login" }
func (r *RegistrationSite) ProgramURL() string      { return r.Base + "/programs/nordic-kids" }
func (r *RegistrationSite) ReviewURL() string       { return r.ProgramURL() + "/review" }
func (r *RegistrationSite) ConfirmationURL() string { return r.ProgramURL() + "/confirmation" }
func (r *RegistrationSite) CheckoutURL() string     { return r.ProgramURL() + "/checkout" }

func input(name string) automation.Element {
	return automation.Element{Tag: "input", Name: name, Type: "text"}
}

func NewRegistrationSite(base string) *RegistrationSite {
	r := &RegistrationSite{Site: NewSite(), Base: base}

	r.Add(r.LoginURL(), Screen{
		Title: "Sign in",
		Elements: map[string]automation.Element{
			SelUsername: input("username"),
			SelPassword: {Tag: "input", Name: "password", Type: "password"},
			SelSignIn:   {Tag: "button", Text: "Sign in", Rect: automation.Rect{X: 100, Y: 300, Width: 100, Height: 40}},
		},
		OnClick: map[string]string{SelSignIn: base + "/account"},
	})
	r.Add(base+"/account", Screen{Title: "My account", BodyText: "Welcome back"})

	form := map[string]automation.Element{
		SelDelegateName:  input("delegate_name"),
		SelDelegateEmail: input("delegate_email"),
		SelDelegatePhone: input("delegate_phone"),
		SelNext:          {Tag: "button", Text: "Next", Rect: automation.Rect{X: 100, Y: 600, Width: 100, Height: 40}},
	}
	for i := range 3 {
		for _, field := range []string{"first_name", "last_name", "date_of_birth"} {
			form[fmt.Sprintf(SelParticipantField, i, field)] = input(fmt.Sprintf("participant_%d_%s", i, field))
		}
	}
	r.Add(r.ProgramURL(), Screen{
		Title:    "Nordic Kids - Register",
		BodyText: "Tell us who is attending",
		Elements: form,
		OnClick:  map[string]string{SelNext: r.ReviewURL()},
	})

	priceRect := automation.Rect{X: 100, Y: 100, Width: 80, Height: 20}
	r.Add(r.ReviewURL(), Screen{
		Title:     "Review registration",
		BodyText:  "Review your registration details",
		TextNodes: []automation.TextNode{{Text: "$45.00", Rect: priceRect}},
		Elements: map[string]automation.Element{
			SelPrice:   {Tag: "span", Text: "$45.00", Rect: priceRect},
			SelConfirm: {Tag: "button", Text: "Confirm Registration", Rect: automation.Rect{X: 100, Y: 700, Width: 160, Height: 40}},
		},
		OnClick: map[string]string{SelConfirm: r.ConfirmationURL()},
	})
	r.Add(r.ConfirmationURL(), Screen{
		Title:    "Registration complete",
		BodyText: "You're registered",
		Elements: map[string]automation.Element{
			SelBookingRef: {Tag: "span", Text: BookingRef},
		},
	})
	r.Add(r.CheckoutURL(), Screen{
		Title:    "Checkout",
		BodyText: "Enter your card number to finish",
		Elements: map[string]automation.Element{
			SelPrice:   {Tag: "span", Text: "$45.00"},
			SelConfirm: {Tag: "button", Text: "Confirm Registration", Rect: automation.Rect{X: 100, Y: 700, Width: 160, Height: 40}},
		},
	})
	return r
}

// DivertToCheckout makes the participant form's Next button land on the
// checkout page instead of the review page.
func (r *RegistrationSite) DivertToCheckout() {
	r.Redirect(r.ProgramURL(), SelNext, r.CheckoutURL())
}

// RejectLogin shows a login error after sign-in.
func (r *RegistrationSite) RejectLogin() {
	r.Add(r.Base+"/login-failed", Screen{
		Title: "Sign in",
		Elements: map[string]automation.Element{
			SelLoginError: {Tag: "div", Text: "Invalid username or password"},
		},
	})
	r.Redirect(r.LoginURL(), SelSignIn, r.Base+"/login-failed")
}

// CloseProgram marks the program as full.
func (r *RegistrationSite) CloseProgram() {
	screen, _ := r.screen(r.ProgramURL())
	elements := make(map[string]automation.Element, len(screen.Elements)+1)
	for k, v := range screen.Elements {
		elements[k] = v
	}
	elements[SelProgramFull] = automation.Element{Tag: "div", Text: "This program is full. Join the waitlist."}
	screen.Elements = elements
	r.Add(r.ProgramURL(), screen)
}
