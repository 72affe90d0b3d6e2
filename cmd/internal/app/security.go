package app

import (
	"errors"

	"linkgate/cmd/internal/authstate"
)

// ValidateSecurityConfig enforces the at-rest sealing policy at startup.
//
// With LINKGATE_REQUIRE_SEALING=true the process refuses to start without a
// usable LINKGATE_AUTHSTATE_KEY instead of persisting credentials in clear.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.AuthStateKey == "" {
		if cfg.RequireSealing {
			return errors.New("security policy: LINKGATE_REQUIRE_SEALING=true but LINKGATE_AUTHSTATE_KEY is missing")
		}
		return nil
	}

	// The same constructor the store uses, so length rules cannot drift.
	if _, err := authstate.NewAEADSealer([]byte(cfg.AuthStateKey)); err != nil {
		return errors.New("security policy: LINKGATE_AUTHSTATE_KEY is unusable: " + err.Error())
	}
	return nil
}

func newSealer(cfg Config) (authstate.Sealer, error) {
	if cfg.AuthStateKey == "" {
		return nil, nil
	}
	return authstate.NewAEADSealer([]byte(cfg.AuthStateKey))
}
