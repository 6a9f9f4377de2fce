package custody

import (
	"fmt"

	"github.com/covenant-labs/covenant/internal/domain"
)

// AccessControl holds the single resolver principal. Gated operations call
// authorize before looking at any other state.
type AccessControl struct {
	owner domain.Principal
}

func (a *AccessControl) authorize(caller domain.Principal) error {
	if caller != a.owner {
		return fmt.Errorf("%w: %s", domain.ErrNotAuthorized, caller.Hex())
	}
	return nil
}

func (a *AccessControl) checkTransfer(caller, next domain.Principal) error {
	if caller != a.owner {
		return fmt.Errorf("%w: %s", domain.ErrNotCurrentOwner, caller.Hex())
	}
	if next == (domain.Principal{}) {
		return fmt.Errorf("%w: new resolver is the zero address", domain.ErrInvalidPrincipal)
	}
	return nil
}
