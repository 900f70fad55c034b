package domain

import "encoding/json"

type Role string

const (
	RoleUser         Role = "user"
	RoleStartupOwner Role = "startupOwner"
	RoleMaker        Role = "maker"
	RoleInvestor     Role = "investor"
	RoleAgency       Role = "agency"
	RoleFreelancer   Role = "freelancer"
	RoleJobseeker    Role = "jobseeker"
	RoleAdmin        Role = "admin"
)

// Capabilities is derived from the role set and never stored independently.
type Capabilities struct {
	CanUploadProducts   bool `json:"canUploadProducts"`
	CanInvest           bool `json:"canInvest"`
	CanOfferServices    bool `json:"canOfferServices"`
	CanApplyToJobs      bool `json:"canApplyToJobs"`
	CanPostJobs         bool `json:"canPostJobs"`
	CanShowcaseProjects bool `json:"canShowcaseProjects"`
}

// DeriveCapabilities is a pure function of role ∪ secondary roles.
// Roles without an entry (user, admin, unknown) add nothing.
func DeriveCapabilities(role Role, secondary []Role) Capabilities {
	var c Capabilities
	for _, r := range append([]Role{role}, secondary...) {
		switch r {
		case RoleStartupOwner:
			c.CanUploadProducts = true
			c.CanPostJobs = true
			c.CanShowcaseProjects = true
		case RoleMaker:
			c.CanUploadProducts = true
		case RoleInvestor:
			c.CanInvest = true
		case RoleAgency:
			c.CanOfferServices = true
			c.CanPostJobs = true
			c.CanShowcaseProjects = true
		case RoleFreelancer:
			c.CanOfferServices = true
			c.CanShowcaseProjects = true
		case RoleJobseeker:
			c.CanApplyToJobs = true
			c.CanShowcaseProjects = true
		}
	}
	return c
}

type User struct {
	ID                 string       `json:"_id"`
	Username           string       `json:"username,omitempty"`
	FirstName          string       `json:"firstName,omitempty"`
	LastName           string       `json:"lastName,omitempty"`
	Email              string       `json:"email,omitempty"`
	Phone              string       `json:"phone,omitempty"`
	IsEmailVerified    bool         `json:"isEmailVerified"`
	IsPhoneVerified    bool         `json:"isPhoneVerified"`
	Role               Role         `json:"role"`
	SecondaryRoles     []Role       `json:"secondaryRoles,omitempty"`
	IsProfileCompleted bool         `json:"isProfileCompleted"`
	ProfilePicture     string       `json:"profilePicture,omitempty"`
	BannerImage        string       `json:"bannerImage,omitempty"`
	Bio                string       `json:"bio,omitempty"`
	Capabilities       Capabilities `json:"roleCapabilities"`
}

// UnmarshalJSON accepts "id" as well as "_id", flattens image objects and
// recomputes capabilities so they always match the roles.
func (u *User) UnmarshalJSON(b []byte) error {
	type alias User
	var raw struct {
		alias
		AltID          string     `json:"id"`
		ProfilePicture FlexString `json:"profilePicture"`
		BannerImage    FlexString `json:"bannerImage"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*u = User(raw.alias)
	if u.ID == "" {
		u.ID = raw.AltID
	}
	u.ProfilePicture = string(raw.ProfilePicture)
	u.BannerImage = string(raw.BannerImage)
	u.Capabilities = DeriveCapabilities(u.Role, u.SecondaryRoles)
	return nil
}

// Roles returns role ∪ secondary roles without duplicates.
func (u User) Roles() []Role {
	seen := map[Role]bool{}
	var out []Role
	for _, r := range append([]Role{u.Role}, u.SecondaryRoles...) {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// HasRole reports membership in role ∪ secondary roles.
func (u User) HasRole(r Role) bool {
	for _, have := range u.Roles() {
		if have == r {
			return true
		}
	}
	return false
}
