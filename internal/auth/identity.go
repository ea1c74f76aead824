package auth

// Identity names the authenticated caller. It is threaded explicitly into
// every service call instead of being read from ambient request state.
type Identity struct {
	UserID   int64
	Username string
}

// Valid reports whether the identity names a real caller.
func (id Identity) Valid() bool {
	return id.UserID > 0
}
