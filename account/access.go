package account

import "sort"

// Access is what one user may see. It is derived from a Snapshot and shares
// its lifetime.
type Access struct {
	snap         *Snapshot
	username     string
	accounting   string
	master       *MasterUser
	unrestricted bool
	accounts     map[string]struct{}
	servers      map[int32]struct{}
}

// Access computes, or returns the memoized, visibility of username.
// Unknown users see nothing.
func (s *Snapshot) Access(username string) *Access {
	a, _ := s.access.LoadOrCompute(username, func() *Access {
		return s.computeAccess(username)
	})
	return a
}

func (s *Snapshot) computeAccess(username string) *Access {
	a := &Access{
		snap:     s,
		username: username,
		accounts: map[string]struct{}{},
		servers:  map[int32]struct{}{},
	}

	admin, ok := s.admins[username]
	if !ok {
		return a
	}
	a.accounting = admin.Accounting
	a.master, _ = s.MasterUser(username)

	if a.master != nil {
		restricted := s.masterServers[username]
		if len(restricted) == 0 {
			a.unrestricted = true
			return a
		}
		for _, id := range restricted {
			a.servers[id] = struct{}{}
			for _, acct := range s.serverAccounts[id] {
				a.accounts[acct] = struct{}{}
			}
		}
		for acct := range s.subtree(admin.Accounting) {
			a.accounts[acct] = struct{}{}
		}
		return a
	}

	a.accounts = s.subtree(admin.Accounting)
	for acct := range a.accounts {
		for _, id := range s.businessServers[acct] {
			a.servers[id] = struct{}{}
		}
	}
	return a
}

// Username returns the user this access belongs to.
func (a *Access) Username() string { return a.username }

// Account returns the user's own account.
func (a *Access) Account() string { return a.accounting }

// IsMaster reports whether the user is an active master user.
func (a *Access) IsMaster() bool { return a.master != nil }

// Unrestricted reports whether the user is a master user with no server
// restriction.
func (a *Access) Unrestricted() bool { return a.unrestricted }

// CanInvalidateTables reports whether INVALIDATE_TABLE is permitted.
func (a *Access) CanInvalidateTables() bool {
	return a.master != nil && a.master.CanInvalidateTables
}

// CanSwitchUsers reports whether the user may connect as another user.
func (a *Access) CanSwitchUsers() bool {
	return a.master != nil && a.master.CanSwitchUsers
}

// CanAccessAccount reports whether accounting is visible.
func (a *Access) CanAccessAccount(accounting string) bool {
	if a.unrestricted {
		return true
	}
	_, ok := a.accounts[accounting]
	return ok
}

// CanAccessServer reports whether the server is visible.
func (a *Access) CanAccessServer(id int32) bool {
	if a.unrestricted {
		return true
	}
	_, ok := a.servers[id]
	return ok
}

// FailoverParent returns the server that id fails over to.
func (a *Access) FailoverParent(id int32) (int32, bool) {
	parent, ok := a.snap.failover[id]
	return parent, ok
}

// CanAccessUser reports whether the administrator username is visible.
func (a *Access) CanAccessUser(username string) bool {
	if username == a.username || a.unrestricted {
		return true
	}
	other, ok := a.snap.admins[username]
	return ok && a.CanAccessAccount(other.Accounting)
}

// Disabled reports whether the user may not run commands.
func (a *Access) Disabled() bool {
	return a.snap.UserDisabled(a.username)
}

// Servers returns the visible server IDs, ascending.
func (a *Access) Servers() []int32 {
	if a.unrestricted {
		return append([]int32(nil), a.snap.servers...)
	}
	return sortedServers(a.servers)
}

// Accounts returns the visible accounts, sorted. Unrestricted users get
// every known account.
func (a *Access) Accounts() []string {
	var out []string
	if a.unrestricted {
		out = make([]string, 0, len(a.snap.accounts))
		for acct := range a.snap.accounts {
			out = append(out, acct)
		}
	} else {
		out = make([]string, 0, len(a.accounts))
		for acct := range a.accounts {
			out = append(out, acct)
		}
	}
	sort.Strings(out)
	return out
}
