package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Selectors locate the controls of one provider's registration flow.
// Optional markers are skipped when empty.
type Selectors struct {
	LoginURL    string `yaml:"login_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	LoginSubmit string `yaml:"login_submit"`
	LoginError  string `yaml:"login_error"`
	Captcha     string `yaml:"captcha"`

	DelegateName  string `yaml:"delegate_name"`
	DelegateEmail string `yaml:"delegate_email"`
	DelegatePhone string `yaml:"delegate_phone"`
	// ParticipantField is a format string taking the participant index and
	// field name, e.g. "#participant-%d-%s".
	ParticipantField string `yaml:"participant_field"`
	ProgramFull      string `yaml:"program_full"`
	FormError        string `yaml:"form_error"`
	Next             string `yaml:"next"`

	Price      string `yaml:"price"`
	Confirm    string `yaml:"confirm"`
	BookingRef string `yaml:"booking_ref"`
}

func (s Selectors) validate(provider string) error {
	missing := func(name string) error {
		return fmt.Errorf("provider %s: selector %s is required", provider, name)
	}
	switch {
	case s.LoginURL == "":
		return missing("login_url")
	case s.Username == "" || s.Password == "" || s.LoginSubmit == "":
		return missing("username/password/login_submit")
	case s.ParticipantField == "":
		return missing("participant_field")
	case s.Confirm == "":
		return missing("confirm")
	case s.BookingRef == "":
		return missing("booking_ref")
	}
	return nil
}

// Directory maps provider names to their selectors.
type Directory map[string]Selectors

// LoadDirectory reads a YAML map of provider to selectors.
func LoadDirectory(path string) (Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider selectors: %w", err)
	}
	var dir Directory
	if err := yaml.Unmarshal(raw, &dir); err != nil {
		return nil, fmt.Errorf("parse provider selectors: %w", err)
	}
	for provider, sel := range dir {
		if err := sel.validate(provider); err != nil {
			return nil, err
		}
	}
	return dir, nil
}
