package domain

import "errors"

var (
	// ErrInvalidTransition rejects a malformed transition request before
	// anything touches storage.
	ErrInvalidTransition = errors.New("invalid governance transition")

	// ErrAgentNotFound means the agent row does not exist (or was deleted).
	ErrAgentNotFound = errors.New("agent not found")

	// ErrStorageUnavailable wraps adapter unavailability; hot-reload
	// aborts fully on it, reads surface it.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrPolicyMissing means there is no active policy snapshot for the
	// agent's policy set. Evaluation fails closed, never open.
	ErrPolicyMissing = errors.New("no active policy snapshot")

	// ErrSpecTamper marks a spec-hash mismatch. Never auto-recovered.
	ErrSpecTamper = errors.New("agent spec tamper detected")

	// ErrPolicyVersionConflict means an append raced a concurrent writer
	// for the same (workspace, policy set, version).
	ErrPolicyVersionConflict = errors.New("policy version already exists")
)
