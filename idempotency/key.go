// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

// Package idempotency derives deterministic keys for logical operations.
//
// A key identifies one logical operation across retries and resubmissions:
// two submissions with the same intent type, tenant, session, and
// semantically-relevant payload always derive the same key, which the
// ledger uses to detect and short-circuit duplicates.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrNilPayload is returned when the payload cannot be canonicalized.
var ErrNilPayload = errors.New("idempotency: payload cannot be nil")

// fieldSep separates the hash inputs so that ("ab","c") and ("a","bc")
// cannot collide.
const fieldSep = "\x1f"

// DeriveKey computes the idempotency key for one logical operation.
// The payload is canonicalized first, so map iteration order and struct
// field order never influence the key. The derivation is a pure function:
// equal logical inputs always yield equal keys.
func DeriveKey(intentType, tenantID, sessionID string, payload any) (string, error) {
	if intentType == "" {
		return "", errors.New("idempotency: intent type cannot be empty")
	}
	if tenantID == "" {
		return "", errors.New("idempotency: tenant ID cannot be empty")
	}

	payloadHash, err := hashCanonical(payload)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(intentType))
	h.Write([]byte(fieldSep))
	h.Write([]byte(tenantID))
	h.Write([]byte(fieldSep))
	h.Write([]byte(sessionID))
	h.Write([]byte(fieldSep))
	h.Write([]byte(payloadHash))

	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashCanonical returns the hex SHA-256 of the payload's canonical JSON
// form. Round-tripping through any sorts object keys: goccy/go-json, like
// encoding/json, marshals map keys in sorted order.
func hashCanonical(payload any) (string, error) {
	if payload == nil {
		return "", ErrNilPayload
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("idempotency: marshal payload: %w", err)
	}

	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return "", fmt.Errorf("idempotency: normalize payload: %w", err)
	}

	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize payload: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
