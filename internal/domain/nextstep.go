package domain

type StepType string

const (
	StepEmailVerification StepType = "email_verification"
	StepPhoneVerification StepType = "phone_verification"
	StepProfileCompletion StepType = "profile_completion"
	StepNone              StepType = "none"
)

type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// NextStep is the user's outstanding onboarding action.
type NextStep struct {
	Type      StepType `json:"type"`
	Required  bool     `json:"required"`
	Skippable bool     `json:"skippable"`
	Message   string   `json:"message,omitempty"`
	Progress  Progress `json:"progress"`
}

// DeriveNextStep evaluates the ordered rule set; the first match wins.
func DeriveNextStep(u *User, skipped []string) NextStep {
	if u == nil {
		return NextStep{Type: StepNone}
	}
	progress := onboardingProgress(u)

	switch {
	case u.Email != "" && !u.IsEmailVerified:
		return NextStep{
			Type:     StepEmailVerification,
			Required: true,
			Message:  "Verify your email address",
			Progress: progress,
		}
	case u.Phone != "" && !u.IsPhoneVerified:
		return NextStep{
			Type:     StepPhoneVerification,
			Required: true,
			Message:  "Verify your phone number",
			Progress: progress,
		}
	case !u.IsProfileCompleted && !contains(skipped, string(StepProfileCompletion)):
		return NextStep{
			Type:      StepProfileCompletion,
			Skippable: true,
			Message:   "Complete your profile",
			Progress:  progress,
		}
	}
	return NextStep{Type: StepNone, Progress: progress}
}

func onboardingProgress(u *User) Progress {
	var p Progress
	if u.Email != "" {
		p.Total++
		if u.IsEmailVerified {
			p.Completed++
		}
	}
	if u.Phone != "" {
		p.Total++
		if u.IsPhoneVerified {
			p.Completed++
		}
	}
	p.Total++
	if u.IsProfileCompleted {
		p.Completed++
	}
	p.Percentage = (p.Completed*100 + p.Total/2) / p.Total
	return p
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
