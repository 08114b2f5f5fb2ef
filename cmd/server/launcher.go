package main

import (
	"context"
	"errors"
	"log/slog"

	"enrollo/internal/automation"
	"enrollo/internal/automation/automationtest"
	"enrollo/internal/platform/config"
	"enrollo/internal/scheduler/workflow"
)

// simulatedProvider is the provider key the demo registration site answers to.
const simulatedProvider = "simulated"

var errNoBrowser = errors.New("no browser runtime configured")

// noBrowser fails every launch. Jobs fail with a driver error until a real
// runtime is wired in.
type noBrowser struct{}

func (noBrowser) Launch(context.Context, string) (automation.Driver, error) {
	return nil, errNoBrowser
}

// buildAutomation picks the browser runtime and the provider directory.
// Selector files override the simulated provider of the same name.
func buildAutomation(cfg config.AutomationConfig, log *slog.Logger) (automation.Launcher, workflow.Directory, error) {
	providers := workflow.Directory{}
	if cfg.ProviderFile != "" {
		loaded, err := workflow.LoadDirectory(cfg.ProviderFile)
		if err != nil {
			return nil, nil, err
		}
		providers = loaded
	}

	if !cfg.Simulated {
		log.Warn("browser automation disabled", "reason", errNoBrowser.Error())
		return noBrowser{}, providers, nil
	}

	site := automationtest.NewRegistrationSite(cfg.SimulatedURL)
	if _, ok := providers[simulatedProvider]; !ok {
		providers[simulatedProvider] = workflow.Selectors{
			LoginURL:         site.LoginURL(),
			Username:         automationtest.SelUsername,
			Password:         automationtest.SelPassword,
			LoginSubmit:      automationtest.SelSignIn,
			LoginError:       automationtest.SelLoginError,
			DelegateName:     automationtest.SelDelegateName,
			DelegateEmail:    automationtest.SelDelegateEmail,
			DelegatePhone:    automationtest.SelDelegatePhone,
			ParticipantField: automationtest.SelParticipantField,
			ProgramFull:      automationtest.SelProgramFull,
			FormError:        automationtest.SelFormError,
			Next:             automationtest.SelNext,
			Price:            automationtest.SelPrice,
			Confirm:          automationtest.SelConfirm,
			BookingRef:       automationtest.SelBookingRef,
		}
	}
	log.Info("simulated registration site enabled",
		"provider", simulatedProvider,
		"program_url", site.ProgramURL(),
	)
	return site, providers, nil
}
