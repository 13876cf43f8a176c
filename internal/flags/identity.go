package flags

import "context"

// Identity is the user a write is performed for.
type Identity struct {
	UserID     string
	Name       string
	Privileged bool
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity on ctx; anonymous when none was attached.
func IdentityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

// Authorize applies the write rules: privileged identities may do anything,
// owners may write flags on their own combatant, everything else is denied.
func Authorize(id Identity, doc Document, op Op) error {
	if id.Privileged {
		return nil
	}
	switch op {
	case OpSet, OpUnset:
		if doc.Ref.Kind == KindCombatant && id.UserID != "" && doc.OwnedBy(id.UserID) {
			return nil
		}
	}
	return ErrPermissionDenied
}
