package domain

// Identity exposes the signed-in user to components that must not own auth state.
type Identity interface {
	IsAuthenticated() bool
	CurrentUserID() string
}

// Navigator is the routing hook of the presentation layer.
type Navigator interface {
	CurrentPath() string
	Navigate(path string)
}

// Anonymous is an Identity with nobody signed in.
type Anonymous struct{}

func (Anonymous) IsAuthenticated() bool { return false }
func (Anonymous) CurrentUserID() string { return "" }
