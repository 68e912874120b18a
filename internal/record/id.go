package record

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

const recoveryPrefix = "recovery:"

// InstanceID returns the deterministic orchestration instance id for a key.
//
// The same (operation, identity) always maps to the same id, which is what
// collapses concurrent starts for one key into a single running instance.
// Identities are NFC-normalised so visually identical identities cannot
// address two instances.
func InstanceID(op Operation, identity string) string {
	return strings.ToLower(string(op)) + ":" + norm.NFC.String(identity)
}

// RecoveryInstanceID returns the instance id used by the recovery workflow
// reconciling the request instance at InstanceID(op, identity).
func RecoveryInstanceID(op Operation, identity string) string {
	return recoveryPrefix + InstanceID(op, identity)
}

// ParseInstanceID reverses InstanceID. Recovery ids are accepted and resolve
// to the key of the instance they reconcile.
func ParseInstanceID(id string) (Key, bool) {
	id = strings.TrimPrefix(id, recoveryPrefix)
	opPart, identity, ok := strings.Cut(id, ":")
	if !ok || identity == "" {
		return Key{}, false
	}
	op, err := ParseOperation(strings.ToUpper(opPart))
	if err != nil {
		return Key{}, false
	}
	return Key{Operation: op, Identity: identity}, true
}
