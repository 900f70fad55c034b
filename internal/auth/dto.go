package auth

import (
	"encoding/json"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/httpclient"
)

type EmailLogin struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type EmailRegistration struct {
	Email     string      `json:"email" validate:"required,email"`
	Password  string      `json:"password" validate:"required,min=8,max=128"`
	FirstName string      `json:"firstName,omitempty" validate:"omitempty,max=50"`
	LastName  string      `json:"lastName,omitempty" validate:"omitempty,max=50"`
	Role      domain.Role `json:"role,omitempty"`
}

type PhoneRegistration struct {
	Phone     string      `json:"phone" validate:"required,e164"`
	FirstName string      `json:"firstName,omitempty" validate:"omitempty,max=50"`
	LastName  string      `json:"lastName,omitempty" validate:"omitempty,max=50"`
	Role      domain.Role `json:"role,omitempty"`
}

// OTPPurpose selects the login or registration OTP flow.
type OTPPurpose string

const (
	OTPLogin    OTPPurpose = "login"
	OTPRegister OTPPurpose = "register"
)

type OTPVerification struct {
	Purpose OTPPurpose `json:"-" validate:"required,oneof=login register"`
	Phone   string     `json:"phone" validate:"required,e164"`
	Code    string     `json:"otp" validate:"required,len=6,numeric"`
}

// OTPChallenge is the server's answer to an OTP request.
type OTPChallenge struct {
	Message   string `json:"message"`
	ExpiresIn int    `json:"expiresIn"`
}

// ProfileInput is the editable profile. Empty fields are not sent.
type ProfileInput struct {
	FirstName      string        `validate:"omitempty,max=50"`
	LastName       string        `validate:"omitempty,max=50"`
	Username       string        `validate:"omitempty,min=3,max=30,alphanum"`
	Bio            string        `validate:"omitempty,max=500"`
	Phone          string        `validate:"omitempty,e164"`
	Role           domain.Role   `validate:"omitempty,oneof=user startupOwner maker investor agency freelancer jobseeker"`
	SecondaryRoles []domain.Role `validate:"omitempty,dive,oneof=startupOwner maker investor agency freelancer jobseeker"`
}

func (p ProfileInput) form(picture *httpclient.File) *httpclient.Multipart {
	form := &httpclient.Multipart{Fields: map[string]string{}}
	set := func(k, v string) {
		if v != "" {
			form.Fields[k] = v
		}
	}
	set("firstName", p.FirstName)
	set("lastName", p.LastName)
	set("username", p.Username)
	set("bio", p.Bio)
	set("phone", p.Phone)
	set("role", string(p.Role))
	if p.SecondaryRoles != nil {
		b, _ := json.Marshal(p.SecondaryRoles)
		form.Fields["secondaryRoles"] = string(b)
	}
	if picture != nil {
		f := *picture
		f.Field = "profilePicture"
		form.Files = append(form.Files, f)
	}
	return form
}
