package service

import "github.com/punchamoorthee/goalescrow/internal/domain"

// Authorizer decides whether caller may attest goal outcomes.
type Authorizer interface {
	CanAttest(caller domain.Address) bool
}

type AuthorizerFunc func(caller domain.Address) bool

func (f AuthorizerFunc) CanAttest(caller domain.Address) bool { return f(caller) }

// SingleOracle admits exactly one identity.
func SingleOracle(oracle domain.Address) Authorizer {
	return AuthorizerFunc(func(caller domain.Address) bool {
		return !caller.IsZero() && caller == oracle
	})
}

// OracleSet admits any of the listed identities.
func OracleSet(oracles ...domain.Address) Authorizer {
	set := make(map[domain.Address]struct{}, len(oracles))
	for _, o := range oracles {
		if !o.IsZero() {
			set[o] = struct{}{}
		}
	}
	return AuthorizerFunc(func(caller domain.Address) bool {
		_, ok := set[caller]
		return ok
	})
}
