package session

// Observer receives registry membership notifications.
// Callbacks run on the goroutine that changed the registry, after the
// registry lock has been released.
type Observer interface {
	UserJoined(s *UserSession)
	UserLeft(s *UserSession)
	UserCountChanged(count int)
}

// ObserverFuncs adapts optional callbacks into an Observer.
type ObserverFuncs struct {
	OnJoin  func(*UserSession)
	OnLeave func(*UserSession)
	OnCount func(int)
}

// UserJoined calls OnJoin if set.
func (f ObserverFuncs) UserJoined(s *UserSession) {
	if f.OnJoin != nil {
		f.OnJoin(s)
	}
}

// UserLeft calls OnLeave if set.
func (f ObserverFuncs) UserLeft(s *UserSession) {
	if f.OnLeave != nil {
		f.OnLeave(s)
	}
}

// UserCountChanged calls OnCount if set.
func (f ObserverFuncs) UserCountChanged(count int) {
	if f.OnCount != nil {
		f.OnCount(count)
	}
}
