package guardrail_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"enrollo/internal/automation"
	"enrollo/internal/automation/mocks"
	"enrollo/internal/guardrail"
)

type GuardSuite struct {
	suite.Suite
	ctrl   *gomock.Controller
	driver *mocks.MockDriver
	guard  *guardrail.Guard
	now    time.Time
}

func TestGuardSuite(t *testing.T) {
	suite.Run(t, new(GuardSuite))
}

func (s *GuardSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.driver = mocks.NewMockDriver(s.ctrl)
	s.now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.guard = guardrail.New(nil, guardrail.WithClock(func() time.Time { return s.now }))
}

func (s *GuardSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *GuardSuite) TestCheck_PaymentPageTrips() {
	ctx := context.Background()
	s.driver.EXPECT().Page(gomock.Any()).Return(&automation.Page{
		URL:   "https://club.example/programs/7/checkout",
		Title: "Checkout",
	}, nil)
	s.driver.EXPECT().Screenshot(gomock.Any()).Return([]byte("png"), nil)

	err := s.guard.Check(ctx, s.driver, nil)

	tripped, ok := guardrail.AsTripped(err)
	s.Require().True(ok)
	s.Equal(guardrail.ReasonPaymentPage, tripped.Reason)
	s.Equal("https://club.example/programs/7/checkout", tripped.Evidence.URL)
	s.Equal("Checkout", tripped.Evidence.PageTitle)
	s.Equal("url:/checkout", tripped.Evidence.Matched)
	s.Equal(s.now, tripped.Evidence.Timestamp)
	s.Equal([]byte("png"), tripped.Evidence.Screenshot)
}

func (s *GuardSuite) TestCheck_PaymentButtonTrips() {
	ctx := context.Background()
	s.driver.EXPECT().Page(gomock.Any()).Return(&automation.Page{
		URL:   "https://club.example/register/review",
		Title: "Review",
	}, nil)
	s.driver.EXPECT().Screenshot(gomock.Any()).Return(nil, errors.New("no screenshot"))

	err := s.guard.Check(ctx, s.driver, &automation.Element{Selector: "#go", Tag: "button", Text: "Pay Now"})

	tripped, ok := guardrail.AsTripped(err)
	s.Require().True(ok)
	s.Equal(guardrail.ReasonPaymentButton, tripped.Reason)
	s.Equal("Pay Now", tripped.Evidence.ButtonText)
	s.Empty(tripped.Evidence.Screenshot, "screenshot failure does not block the trip")
}

func (s *GuardSuite) TestCheck_SafeStepPasses() {
	ctx := context.Background()
	s.driver.EXPECT().Page(gomock.Any()).Return(&automation.Page{
		URL:      "https://club.example/register/participants",
		Title:    "Participants",
		BodyText: "Add each child attending the session",
	}, nil)

	err := s.guard.Check(ctx, s.driver, &automation.Element{Selector: "#next", Tag: "button", Text: "Next"})
	s.NoError(err)
}

func (s *GuardSuite) TestCheck_SnapshotFailureBlocksStep() {
	ctx := context.Background()
	s.driver.EXPECT().Page(gomock.Any()).Return(nil, errors.New("target closed"))

	err := s.guard.Check(ctx, s.driver, nil)
	s.Require().Error(err)
	_, tripped := guardrail.AsTripped(err)
	s.False(tripped)
}

func TestTrippedError_Message(t *testing.T) {
	err := &guardrail.TrippedError{
		Reason:   guardrail.ReasonPaymentPage,
		Evidence: guardrail.Evidence{URL: "https://club.example/cart", Matched: "url:/cart"},
	}
	wrapped := errors.Join(errors.New("confirm step"), err)

	got, ok := guardrail.AsTripped(wrapped)
	require.True(t, ok)
	assert.Same(t, err, got)
	assert.Contains(t, err.Error(), "payment_page")
	assert.Contains(t, err.Error(), "https://club.example/cart")
}

func (s *GuardSuite) TestCheckNavigation() {
	ctx := context.Background()

	s.NoError(s.guard.CheckNavigation(ctx, s.driver, "https://club.example/programs/7"))

	s.driver.EXPECT().Page(gomock.Any()).Return(&automation.Page{URL: "https://club.example/programs/7", Title: "Nordic Kids"}, nil)
	s.driver.EXPECT().Screenshot(gomock.Any()).Return([]byte("png"), nil)

	err := s.guard.CheckNavigation(ctx, s.driver, "https://club.example/cart?add=7")
	tripped, ok := guardrail.AsTripped(err)
	s.Require().True(ok)
	s.Equal(guardrail.ReasonPaymentPage, tripped.Reason)
	s.Equal("https://club.example/cart?add=7", tripped.Evidence.URL)
	s.Equal("url:/cart", tripped.Evidence.Matched)
}

func (s *GuardSuite) TestCheckNavigation_HashRoutedCheckout() {
	ctx := context.Background()
	s.driver.EXPECT().Page(gomock.Any()).Return(&automation.Page{URL: "https://camp.example/#/programs", Title: "Programs"}, nil)
	s.driver.EXPECT().Screenshot(gomock.Any()).Return(nil, errors.New("no frame"))

	err := s.guard.CheckNavigation(ctx, s.driver, "https://camp.example/#/checkout")

	tripped, ok := guardrail.AsTripped(err)
	s.Require().True(ok)
	s.Equal("url:/checkout", tripped.Evidence.Matched)
	s.Equal("https://camp.example/#/checkout", tripped.Evidence.URL)
}
